package app

import (
	"context"

	"github.com/pterm/pterm"

	"github.com/1ureka/p2pcall/internal/calllink"
	"github.com/1ureka/p2pcall/internal/session"
	"github.com/1ureka/p2pcall/internal/util"
)

// Host orchestrates the host lifecycle:
//  1. Acquire local media
//  2. Create the call record and publish the offer (retried on store outages)
//  3. Print the call link for the guest
//  4. Hold the call until hang-up
func (r *Runner) Host(ctx context.Context) error {
	var id string
	s, local, remote, err := r.establish(ctx, func(s *session.Session) error {
		var err error
		id, err = s.Host(ctx)
		return err
	})
	if err != nil {
		return err
	}

	link := calllink.Build(r.Config.Link.Origin, id)
	pterm.Println()
	pterm.DefaultBox.WithTitle("Call link").Println(link + "\n\nCall id: " + id)
	pterm.Println()
	util.LogInfo("waiting for a guest to join")

	if r.OnCallID != nil {
		r.OnCallID(id)
	}
	return r.hold(ctx, s, local, remote)
}
