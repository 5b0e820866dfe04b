// Package app is the terminal chat client: it owns the local state
// log, the relay connection and the peer sessions, and renders the
// conversation with tview.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/pion/webrtc/v4"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"balancechain/internal/chain"
	"balancechain/internal/config"
	"balancechain/internal/identity"
	"balancechain/internal/kb"
	"balancechain/internal/outbox"
	"balancechain/internal/p2p"
	"balancechain/internal/signaling"
	"balancechain/internal/storage"
	"balancechain/internal/utils/log"
)

const presenceInterval = 20 * time.Second

type (
	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		status  *tview.TextView
		input   *tview.InputField

		cfg    *config.Client
		store  storage.Store
		engine *chain.Engine
		ledger *outbox.Ledger
		index  *kb.Index

		id     *identity.Identity
		signal *signaling.Client
		peers  *p2p.Manager

		mu        sync.Mutex
		toHid     string
		channelID string

		cancel context.CancelFunc
	}
)

func NewApp(cfg *config.Client, store storage.Store) *App {
	return &App{
		app:    tview.NewApplication(),
		cfg:    cfg,
		store:  store,
		engine: chain.New(store),
		ledger: outbox.New(store),
		index:  kb.New(store),
	}
}

func (c *App) Run(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	id, err := c.loadOrCreateIdentity(ctx)
	if err != nil {
		log.Fatal("load identity failed", zap.Error(err))
	}
	c.id = id

	c.signal = signaling.New(c.cfg.RelayURLs, id.HID(), c.onSignal, c.onSignalStatus)
	c.peers = p2p.NewManager(p2p.Config{
		MyHid:        id.HID(),
		Signal:       c.signal,
		Agreement:    id.Agreement(),
		AgreementPub: id.DhJwk,
		Handler:      c,
		ICEServers:   c.iceServers(),
	})
	c.signal.Start()

	go c.publishKeys(ctx)
	go c.presenceLoop(ctx)

	c.renderUI()
}

func (c *App) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.signal != nil {
		c.signal.Stop()
	}
	c.app.Stop()
}

// blocking function
func (c *App) renderUI() {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(" balancechain ")

	c.status = tview.NewTextView().SetDynamicColors(true)
	c.status.SetText(fmt.Sprintf("[grey]you: %s | /to <hid> to start a chat[-]", c.id.HID()))

	c.input = tview.NewInputField().
		SetLabel("> ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" Message ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := c.input.GetText()
		if text == "" {
			return
		}
		c.input.SetText("")
		go c.handleInput(text)
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.status, 1, 0, false).
		AddItem(c.input, 3, 0, true)

	if err := c.app.SetRoot(layout, true).SetFocus(c.input).Run(); err != nil {
		log.Fatal("cannot init app", zap.Error(err))
	}
}

func (c *App) setStatus(format string, args ...any) {
	c.app.QueueUpdateDraw(func() {
		c.status.SetText(fmt.Sprintf(format, args...))
	})
}

func (c *App) printf(format string, args ...any) {
	c.app.QueueUpdateDraw(func() {
		fmt.Fprintf(c.chatbox, format, args...)
		c.chatbox.ScrollToEnd()
	})
}

// redraw repaints the chatbox with the current channel's messages.
func (c *App) redraw() {
	c.mu.Lock()
	channelID := c.channelID
	peer := c.toHid
	c.mu.Unlock()
	if channelID == "" {
		return
	}

	msgs, err := c.engine.Messages(context.Background())
	if err != nil {
		log.Error("load messages failed", zap.Error(err))
		return
	}

	c.app.QueueUpdateDraw(func() {
		c.chatbox.Clear()
		for _, m := range msgs {
			if m.Channel != channelID {
				continue
			}
			switch m.Dir {
			case chain.DirOut:
				fmt.Fprintf(c.chatbox, "[yellow]you:[-] %s\n", m.Text)
			case chain.DirIn:
				fmt.Fprintf(c.chatbox, "[green]%s:[-] %s\n", shortHid(m.Peer), m.Text)
			}
		}
		c.chatbox.SetTitle(fmt.Sprintf(" chat with %s ", shortHid(peer)))
		c.chatbox.ScrollToEnd()
	})
}

func (c *App) iceServers() []webrtc.ICEServer {
	if c.cfg.StunURL == "" {
		return nil
	}
	return []webrtc.ICEServer{{URLs: []string{c.cfg.StunURL}}}
}

func shortHid(hid string) string {
	if len(hid) > 10 {
		return hid[:10] + "…"
	}
	return hid
}
