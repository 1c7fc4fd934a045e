package chain

import "github.com/cockroachdb/errors"

// Error taxonomy. Registry misuse and deployment failures are fatal at startup;
// poll and forward failures are recovered inside a relay pass.
var (
	ErrDuplicateChain = errors.New("duplicate chain")
	ErrUnknownChain   = errors.New("unknown chain")
	ErrDeployment     = errors.New("deployment failed")
	ErrPoll           = errors.New("poll failed")
	ErrForward        = errors.New("forward failed")
)

func pollError(cause error, name string, lane Lane, from, to uint64) error {
	if to < from {
		return errors.Mark(errors.Wrapf(cause, "poll %s %s from block %d", name, lane, from), ErrPoll)
	}
	return errors.Mark(errors.Wrapf(cause, "poll %s %s blocks %d..%d", name, lane, from, to), ErrPoll)
}

func forwardError(cause error, dst string, ev Event) error {
	return errors.Mark(errors.Wrapf(cause, "forward %s from %s to %s", ev.ID(), ev.SourceChain, dst), ErrForward)
}

func deploymentError(cause error, name, role string) error {
	return errors.Mark(errors.Wrapf(cause, "deploy %s on %s", role, name), ErrDeployment)
}
