package task

// Store is the only component that reads/writes task markdown files (§4.1).
// All other components mutate task state exclusively through this interface.
type Store interface {
	Create(params CreateParams) (*Task, error)
	Get(id string) (*Task, error)
	GetByPrefix(prefix string) (*Task, error)

	// ListFilter narrows List; zero values mean "no filter" on that field.
	List(filter ListFilter) ([]*Task, error)
	CountByStatus() (map[Status]int, error)

	Transition(id string, to Status, opts TransitionOptions) (*Task, error)
	UpdateBody(id string, body string) (*Task, error)
	Update(id string, patch func(*Task) error) (*Task, error)

	Cancel(id string, reason string) (*Task, error)
	Block(id string, reason string) (*Task, error)
	Unblock(id string) (*Task, error)
	Delete(id string) error

	AddDep(id, blockerID string) error
	RemoveDep(id, blockerID string) error

	WriteArtifact(id, filename string, content []byte) error

	Lint() ([]Issue, error)
}

// ListFilter narrows Store.List.
type ListFilter struct {
	Status  Status
	Agent   string
	Project string
}

// graph describes the legal status transition edges (§4.1). backlog may
// reach any status administratively; every other edge is the pipeline's
// normal forward/side path. in-progress -> done is deliberately absent:
// completion must pass through review (the task_complete composite path,
// §4.6), never a direct transition call.
var graph = map[Status]map[Status]bool{
	StatusBacklog: {
		StatusReady: true, StatusInProgress: true, StatusBlocked: true,
		StatusReview: true, StatusDone: true,
	},
	StatusReady: {
		StatusInProgress: true, StatusBlocked: true, StatusBacklog: true,
	},
	StatusInProgress: {
		StatusReview: true, StatusBlocked: true, StatusReady: true,
	},
	StatusBlocked: {
		StatusReady: true, StatusInProgress: true,
	},
	StatusReview: {
		StatusDone: true, StatusInProgress: true, StatusBlocked: true,
	},
	StatusDone: {},
}

// LegalTransition reports whether moving from `from` to `to` is a permitted
// graph edge.
func LegalTransition(from, to Status) bool {
	edges, ok := graph[from]
	if !ok {
		return false
	}
	return edges[to]
}
