package store

// VoteAction is the row-level effect of a vote submission.
type VoteAction int

const (
	VoteNoop VoteAction = iota
	VoteInsert
	VoteUpdate
	VoteDelete
)

// VoteChange is the effect of moving a user's vote from one value to another.
type VoteChange struct {
	Action    VoteAction
	UpDelta   int32
	DownDelta int32
}

// VoteTransition computes the row action and tally deltas for replacing prior
// with next. Values are -1, 0 (no vote) or +1; anything else is clamped to
// its sign.
func VoteTransition(prior, next int16) VoteChange {
	prior, next = sign(prior), sign(next)
	if prior == next {
		return VoteChange{Action: VoteNoop}
	}

	var c VoteChange
	switch {
	case prior == 0:
		c.Action = VoteInsert
	case next == 0:
		c.Action = VoteDelete
	default:
		c.Action = VoteUpdate
	}

	if prior == 1 {
		c.UpDelta--
	} else if prior == -1 {
		c.DownDelta--
	}
	if next == 1 {
		c.UpDelta++
	} else if next == -1 {
		c.DownDelta++
	}
	return c
}

func sign(v int16) int16 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
