package handler

type EventParams struct {
	Event      string   `json:"event"      validate:"required,oneof=push pull_request"`
	Repository string   `json:"repository"`
	Ref        string   `json:"ref"        validate:"required"`
	SHA        string   `json:"sha"`
	Action     string   `json:"action"     validate:"required_if=Event pull_request"`
	BaseRef    string   `json:"base_ref"   validate:"required_if=Event pull_request"`
	Files      []string `json:"files"`
}

type DispatchParams struct {
	Name   string            `param:"name" json:"-"      validate:"required"`
	Ref    string            `             json:"ref"    validate:"required"`
	Inputs map[string]string `             json:"inputs"`
}

type RunParams struct {
	RunID string `param:"run_id" validate:"required"`
}

type ListRunsParams struct {
	Workflow string `query:"workflow"`
	Page     int64  `query:"page"     validate:"gte=0"`
}
