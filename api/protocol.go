package api

import (
	"canvas-api/canvas"
	"canvas-api/domain"
)

const postBodyMaxSize = 64 * 1024 // 64 KiB

type nodesResponse struct {
	Nodes []domain.Node `json:"nodes"`
}

type inboxResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

// POST /api/drag request body. Screen coordinates plus the viewport and the
// canvas container rect they were measured against.
type dragRequest struct {
	TaskID    string          `json:"taskId"`
	Screen    domain.Point    `json:"screen"`
	Viewport  canvas.Viewport `json:"viewport"`
	Container domain.Rect     `json:"container"`
}

// dragResponse reports whether the drop landed. An invalid viewport is not
// an error to the client; the drag is simply not applied.
type dragResponse struct {
	Applied bool        `json:"applied"`
	Diff    domain.Diff `json:"diff"`
	Reason  string      `json:"reason,omitempty"`
}

type diffResponse struct {
	Diff domain.Diff `json:"diff"`
}

type sectionResponse struct {
	Section domain.Section `json:"section"`
	Diff    domain.Diff    `json:"diff"`
}

type collectResponse struct {
	Collected int         `json:"collected"`
	Diff      domain.Diff `json:"diff"`
}

// POST /api/menu/position request body.
type menuRequest struct {
	Anchor   domain.Point `json:"anchor"`
	Menu     canvas.Size  `json:"menu"`
	Viewport canvas.Size  `json:"viewport"`
}

// POST /api/mutations response body.
type postMutationsResponse struct {
	IdempotencyKeys []string    `json:"idempotencyKeys,omitempty"`
	Applied         int         `json:"applied"`
	Diff            domain.Diff `json:"diff"`
	Error           string      `json:"error,omitempty"`
}
