package jira

// searchResponse is the response from POST /rest/api/2/search.
type searchResponse struct {
	StartAt    int     `json:"startAt"`
	MaxResults int     `json:"maxResults"`
	Total      int     `json:"total"`
	Issues     []issue `json:"issues"`
}

// issue is a single Jira issue from the REST API.
type issue struct {
	ID     string      `json:"id"`
	Key    string      `json:"key"`
	Fields issueFields `json:"fields"`
}

type issueFields struct {
	Summary     string `json:"summary"`
	Status      status `json:"status"`
	Updated     string `json:"updated"`
	Description string `json:"description,omitempty"`
}

type status struct {
	Name           string         `json:"name"`
	ID             string         `json:"id"`
	StatusCategory statusCategory `json:"statusCategory"`
}

// statusCategory is the broad category a status belongs to: new,
// indeterminate or done.
type statusCategory struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type transition struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	To   status `json:"to"`
}

type transitionsResponse struct {
	Transitions []transition `json:"transitions"`
}

type myself struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

type createResponse struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}
