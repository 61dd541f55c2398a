package app

import (
	"context"
	"fmt"

	"github.com/1ureka/p2pcall/internal/calllink"
	"github.com/1ureka/p2pcall/internal/session"
	"github.com/1ureka/p2pcall/internal/util"
)

// Join orchestrates the guest lifecycle. input is a call link or a bare
// call id.
func (r *Runner) Join(ctx context.Context, input string) error {
	id, err := calllink.Resolve(input)
	if err != nil {
		return err
	}
	util.LogInfo("joining call %s", id)

	s, local, remote, err := r.establish(ctx, func(s *session.Session) error {
		return s.Join(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("join call %s: %w", id, err)
	}
	return r.hold(ctx, s, local, remote)
}
