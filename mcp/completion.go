package mcp

// ResourceReference points completion at a prompt ("ref/prompt", Name in
// URI) or a resource template ("ref/resource").
type ResourceReference struct {
	Type string `json:"type"`
	URI  string `json:"uri"`
}

// CompleteArgument is the argument being completed and its partial value.
type CompleteArgument struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type CompleteRequest struct {
	Ref      ResourceReference `json:"ref"`
	Argument CompleteArgument  `json:"argument"`
}

type Completion struct {
	Values  []string `json:"values"`
	Total   int      `json:"total,omitzero"`
	HasMore bool     `json:"hasMore,omitzero"`
}

type CompleteResult struct {
	Completion Completion `json:"completion"`
	BaseMetadata
}
