package taskorch

// TransitionOrigin identifies who is asking for a status change.
type TransitionOrigin int

const (
	// OriginCaller is an explicit request from a store caller.
	OriginCaller TransitionOrigin = iota

	// OriginGraph is an automatic change driven by dependency
	// recomputation.
	OriginGraph
)

// String returns a readable origin name.
func (o TransitionOrigin) String() string {
	if o == OriginGraph {
		return "graph"
	}
	return "caller"
}

type transition struct {
	from TaskStatus
	to   TaskStatus
}

// transitions is the complete set of legal status changes. Anything absent
// is rejected, including every transition out of a terminal status.
var transitions = map[transition]TransitionOrigin{
	{StatusPending, StatusInProgress}:   OriginCaller,
	{StatusPending, StatusCancelled}:    OriginCaller,
	{StatusInProgress, StatusCompleted}: OriginCaller,
	{StatusInProgress, StatusCancelled}: OriginCaller,
	{StatusPending, StatusBlocked}:      OriginGraph,
	{StatusBlocked, StatusPending}:      OriginGraph,
}

// CanTransition reports whether from -> to is legal for the given origin.
func CanTransition(from, to TaskStatus, origin TransitionOrigin) bool {
	want, ok := transitions[transition{from, to}]
	return ok && want == origin
}

// ValidateTransition returns ErrInvalidTransition if from -> to is not
// legal for the given origin.
func ValidateTransition(taskID string, from, to TaskStatus,
	origin TransitionOrigin) error {

	if !CanTransition(from, to, origin) {
		return &ErrInvalidTransition{TaskID: taskID, From: from, To: to}
	}
	return nil
}

// eventForStatus maps a caller transition target to its notification type.
func eventForStatus(to TaskStatus) EventType {
	switch to {
	case StatusInProgress:
		return EventStarted
	case StatusCompleted:
		return EventCompleted
	case StatusCancelled:
		return EventCancelled
	case StatusBlocked:
		return EventBlocked
	case StatusPending:
		return EventUnblocked
	}
	return EventUpdated
}
