package app

import (
	"context"

	"github.com/1ureka/p2pcall/internal/store/memory"
	"github.com/1ureka/p2pcall/internal/store/wsstore"
	"github.com/1ureka/p2pcall/internal/util"
)

// RunRelay serves an in-memory store over WebSocket at addr until ctx is
// cancelled. onReady, if set, receives the ws URL clients should dial.
func RunRelay(ctx context.Context, addr string, onReady func(url string)) error {
	srv := wsstore.NewServer(memory.New())
	bound, err := srv.Start(addr)
	if err != nil {
		return err
	}

	url := "ws://" + bound.String() + wsstore.Path
	util.LogSuccess("signaling relay listening on %s", url)
	if onReady != nil {
		onReady(url)
	}

	err = srv.Serve(ctx)
	util.LogInfo("signaling relay stopped")
	return err
}
