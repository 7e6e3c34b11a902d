package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"maxrelay/internal/logging"
	"maxrelay/internal/oauth"
	"maxrelay/internal/pubsub"
	"maxrelay/internal/store"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Live terminal dashboard of key quota usage and tailing server logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		defer svc.conn.Close()

		m := newStatusModel(cmd.Context(), svc.keys, svc.usage, svc.oauthMgr)
		_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
		return err
	},
}

const refreshInterval = 3 * time.Second

type statusModel struct {
	ctx      context.Context
	keys     store.KeyService
	usage    *store.UsageStore
	oauthMgr *oauth.Manager

	usageTable table.Model
	logView    viewport.Model
	logEvents  <-chan pubsub.Event[logging.LogMessage]

	width, height int
	err           error
}

func newStatusModel(ctx context.Context, keys store.KeyService, usage *store.UsageStore, oauthMgr *oauth.Manager) statusModel {
	columns := []table.Column{
		{Title: "Key", Width: 20},
		{Title: "5h cost", Width: 10},
		{Title: "Weekly cost", Width: 12},
		{Title: "Total cost", Width: 11},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(false),
		table.WithHeight(10),
	)
	vp := viewport.New(80, 12)
	vp.SetContent("waiting for log output...")

	return statusModel{
		ctx: ctx, keys: keys, usage: usage, oauthMgr: oauthMgr,
		usageTable: t, logView: vp,
		logEvents: logging.Subscribe(ctx),
	}
}

type refreshMsg struct {
	rows []table.Row
	err  error
}

type logLineMsg logging.LogMessage

func (m statusModel) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), m.listenLogsCmd(), tea.Tick(refreshInterval, func(time.Time) tea.Msg { return tickMsg{} }))
}

type tickMsg struct{}

func (m statusModel) refreshCmd() tea.Cmd {
	return func() tea.Msg {
		keys, err := m.keys.List(m.ctx)
		if err != nil {
			return refreshMsg{err: err}
		}
		rows := make([]table.Row, 0, len(keys))
		for _, k := range keys {
			five, _, _ := m.usage.GetCounter(m.ctx, k.ID, store.ModelKeyAll, store.FiveHour)
			week, _, _ := m.usage.GetCounter(m.ctx, k.ID, store.ModelKeyAll, store.Weekly)
			total, _, _ := m.usage.GetCounter(m.ctx, k.ID, store.ModelKeyAll, store.Total)
			rows = append(rows, table.Row{
				k.Name,
				formatMicros(five.CostMicros),
				formatMicros(week.CostMicros),
				formatMicros(total.CostMicros),
			})
		}
		return refreshMsg{rows: rows}
	}
}

func (m statusModel) listenLogsCmd() tea.Cmd {
	return func() tea.Msg {
		event, ok := <-m.logEvents
		if !ok {
			return nil
		}
		return logLineMsg(event.Payload)
	}
}

func formatMicros(micros int64) string {
	return fmt.Sprintf("$%.4f", float64(micros)/1_000_000)
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.logView.Width = msg.Width - 2
		m.logView.Height = msg.Height - 16
	case tickMsg:
		return m, tea.Batch(m.refreshCmd(), tea.Tick(refreshInterval, func(time.Time) tea.Msg { return tickMsg{} }))
	case refreshMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.usageTable.SetRows(msg.rows)
	case logLineMsg:
		m.logView.SetContent(m.logView.View() + "\n" + msg.Level + " " + msg.Message)
		m.logView.GotoBottom()
		return m, m.listenLogsCmd()
	}
	return m, nil
}

func (m statusModel) View() string {
	title := lipgloss.NewStyle().Bold(true).Render("maxrelay status")
	body := strings.Builder{}
	body.WriteString(title + "\n\n")
	body.WriteString(m.usageTable.View())
	body.WriteString("\n\nlogs\n")
	body.WriteString(m.logView.View())
	if m.err != nil {
		body.WriteString("\n\nerror: " + m.err.Error())
	}
	body.WriteString("\n\n(press q to quit)")
	return body.String()
}
