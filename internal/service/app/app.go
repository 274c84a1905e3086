package app

import (
	"context"
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"game_channel/internal/game"
	"game_channel/internal/utils/log"
)

type (
	App struct {
		app    *tview.Application
		board  *tview.TextView
		events *tview.TextView
		input  *tview.InputField

		client *Client
		game   string
	}
)

// NewApp builds the terminal UI. The client's events are routed to it, so
// cfg.OnEvent is replaced.
func NewApp(cfg ClientConfig) *App {
	a := &App{
		app:  tview.NewApplication(),
		game: cfg.Game,
	}
	cfg.OnEvent = a.onEvent
	a.client = NewClient(cfg)

	a.board = tview.NewTextView().
		SetDynamicColors(true)
	a.board.SetBorder(true).SetTitle(fmt.Sprintf(" %s ", a.game))

	a.events = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	a.events.SetBorder(true).SetTitle(" Events ")

	a.input = tview.NewInputField().
		SetLabel("Move: ").
		SetPlaceholder(Hint(a.game)).
		SetFieldWidth(0)
	a.input.SetBorder(true).SetTitle(" Your move ")
	return a
}

func (a *App) Run(ctx context.Context) error {
	if err := a.client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to hub: %w", err)
	}

	go func() {
		if err := a.client.Listen(ctx); err != nil {
			a.print("[red]connection closed:[-] %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		a.app.Stop()
	}()

	return a.renderUI(ctx)
}

func (a *App) Stop() error {
	a.app.Stop()
	return a.client.Close()
}

// blocking function
func (a *App) renderUI(ctx context.Context) error {
	a.board.SetText(a.client.Status())

	a.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := a.input.GetText()
		if text == "" {
			return
		}
		a.input.SetText("")

		go func(text string) {
			if err := a.client.Play(ctx, text); err != nil {
				log.Debug("move refused", zap.String("input", text), zap.Error(err))
				a.print("[red]move refused:[-] %v", err)
			}
		}(text)
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(tview.NewFlex().
			AddItem(a.board, 0, 1, false).
			AddItem(a.events, 0, 2, false), 0, 1, false).
		AddItem(a.input, 3, 0, true)

	return a.app.SetRoot(layout, true).SetFocus(a.input).Run()
}

func (a *App) onEvent(e Event) {
	switch e.Kind {
	case EventWaiting:
		a.print("[yellow]%s[-]", e.Text)
	case EventStarted:
		a.print("[green]%s, you are %s[-]", e.Text, e.Player)
	case EventMoved:
		a.print("%s moved", e.Player)
	case EventRejected:
		a.print("[red]hub refused:[-] %s", e.Text)
	case EventOver:
		if e.Player == game.None {
			a.print("[yellow]game over: draw[-]")
		} else {
			a.print("[yellow]game over: %s won[-]", e.Player)
		}
	case EventError:
		a.print("[red]%s[-]", e.Text)
	}
}

// print appends a line to the event view and redraws the board. It may be
// called with the client lock held, so the update runs asynchronously.
func (a *App) print(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	go a.app.QueueUpdateDraw(func() {
		fmt.Fprintln(a.events, line)
		a.events.ScrollToEnd()
		a.board.SetText(a.client.Status())
	})
}
