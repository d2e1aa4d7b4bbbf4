package session

// ResumeKind selects how a fresh process re-attaches to prior
// conversational state.
type ResumeKind int

const (
	// ResumeExact resumes a specific conversation by id.
	ResumeExact ResumeKind = iota

	// ContinueRecent continues the most recent conversation found in the
	// working directory.
	ContinueRecent

	// SpawnFresh starts with no continuation at all.
	SpawnFresh
)

func (k ResumeKind) String() string {
	switch k {
	case ResumeExact:
		return "resume-exact"
	case ContinueRecent:
		return "continue-recent"
	case SpawnFresh:
		return "fresh"
	default:
		return "unknown"
	}
}

// Resumption is the chosen resumption strategy for one activation.
type Resumption struct {
	Kind           ResumeKind
	ConversationID string // set only for ResumeExact
}

// SelectResumption picks the resumption mode for a session about to be
// activated. Rules, evaluated in order:
//
//  1. Reactivation with a known conversation id: resume it explicitly.
//  2. Reactivation without one: continue whatever is most recent in the
//     working directory.
//  3. Caller asked to start fresh, or the session runs in an isolated
//     worktree (which cannot have prior conversations): no continuation.
//  4. First activation, default: continue the most recent conversation in
//     the directory, picking up state left by prior external activity.
func SelectResumption(continuationCount int, conversationID string, startFresh, worktree bool) Resumption {
	switch {
	case continuationCount > 0 && conversationID != "":
		return Resumption{Kind: ResumeExact, ConversationID: conversationID}
	case continuationCount > 0:
		return Resumption{Kind: ContinueRecent}
	case startFresh || worktree:
		return Resumption{Kind: SpawnFresh}
	default:
		return Resumption{Kind: ContinueRecent}
	}
}

// Argv builds the process argv for this resumption mode from the base
// agent command (e.g. ["claude"]).
func (r Resumption) Argv(agent []string) []string {
	argv := make([]string, len(agent), len(agent)+2)
	copy(argv, agent)
	switch r.Kind {
	case ResumeExact:
		argv = append(argv, "--resume", r.ConversationID)
	case ContinueRecent:
		argv = append(argv, "--continue")
	}
	return argv
}

// Fresh returns the same argv with any continuation flag stripped, used by
// the early-exit retry path.
func (r Resumption) Fresh(agent []string) []string {
	return Resumption{Kind: SpawnFresh}.Argv(agent)
}
