// Package tui is the terminal dashboard: the schedule, one task's
// execution log, and the notification mailbox.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/minhduc9699/vibe-kanban/internal/models"
	"github.com/minhduc9699/vibe-kanban/internal/msgstore"
	"github.com/minhduc9699/vibe-kanban/internal/scheduler"
	"github.com/minhduc9699/vibe-kanban/internal/storage"
)

type View int

const (
	ViewSchedule View = iota
	ViewDetail
	ViewNotifications
)

type App struct {
	store *storage.Storage
	sched *scheduler.Scheduler

	view        View
	rows        []*models.ScheduledTask
	tasks       map[uuid.UUID]*models.Task
	selectedIdx int

	selected *models.ScheduledTask
	logView  viewport.Model

	notifications []*models.Notification
	selectedNotif int
	unread        int64

	width  int
	height int
	err    error
}

// NewApp builds the dashboard. sched may be nil when no worker runs in
// this process; cancel then only flips the row and live logs are absent.
func NewApp(store *storage.Storage, sched *scheduler.Scheduler) *App {
	return &App{
		store: store,
		sched: sched,
		view:  ViewSchedule,
		tasks: make(map[uuid.UUID]*models.Task),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadSchedule, a.tickCmd())
}

type tickMsg time.Time

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasActiveRows() bool {
	for _, row := range a.rows {
		if !row.Status.IsTerminal() {
			return true
		}
	}
	return false
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.logView.Width = msg.Width - 2
		a.logView.Height = msg.Height - 8
		return a, nil

	case scheduleLoadedMsg:
		a.rows = msg.rows
		a.tasks = msg.tasks
		a.unread = msg.unread
		a.err = msg.err
		if a.selectedIdx >= len(a.rows) && a.selectedIdx > 0 {
			a.selectedIdx = len(a.rows) - 1
		}
		return a, nil

	case tickMsg:
		switch a.view {
		case ViewSchedule:
			if a.hasActiveRows() || len(a.rows) == 0 {
				return a, tea.Batch(a.loadSchedule, a.tickCmd())
			}
		case ViewDetail:
			if a.selected != nil {
				return a, tea.Batch(a.loadLogs(a.selected.ID), a.tickCmd())
			}
		}
		return a, a.tickCmd()

	case logsLoadedMsg:
		a.logView.SetContent(msg.content)
		a.logView.GotoBottom()
		return a, nil

	case cancelledMsg:
		a.err = msg.err
		return a, a.loadSchedule

	case deletedMsg:
		a.err = msg.err
		if a.selectedIdx >= len(a.rows)-1 && a.selectedIdx > 0 {
			a.selectedIdx--
		}
		return a, a.loadSchedule

	case notificationsLoadedMsg:
		a.notifications = msg.notifications
		a.err = msg.err
		if a.err == nil {
			a.view = ViewNotifications
		}
		return a, nil

	case notificationReadMsg:
		a.err = msg.err
		return a, a.loadNotifications
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewSchedule:
		return a.handleScheduleKey(msg)
	case ViewDetail:
		return a.handleDetailKey(msg)
	case ViewNotifications:
		return a.handleNotificationsKey(msg)
	}
	return a, nil
}

func (a *App) handleScheduleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.rows)-1 {
			a.selectedIdx++
		}

	case "enter":
		if len(a.rows) > 0 && a.selectedIdx < len(a.rows) {
			a.selected = a.rows[a.selectedIdx]
			a.view = ViewDetail
			return a, a.loadLogs(a.selected.ID)
		}

	case "r":
		return a, a.loadSchedule

	case "x":
		if len(a.rows) > 0 && a.selectedIdx < len(a.rows) {
			return a, a.cancelRow(a.rows[a.selectedIdx].ID)
		}

	case "d":
		if len(a.rows) > 0 && a.selectedIdx < len(a.rows) {
			return a, a.deleteRow(a.rows[a.selectedIdx].ID)
		}

	case "n":
		return a, a.loadNotifications
	}

	return a, nil
}

func (a *App) handleDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewSchedule
		a.selected = nil
		return a, nil

	case "ctrl+c":
		return a, tea.Quit

	case "x":
		if a.selected != nil {
			return a, a.cancelRow(a.selected.ID)
		}
	}

	var cmd tea.Cmd
	a.logView, cmd = a.logView.Update(msg)
	return a, cmd
}

func (a *App) handleNotificationsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewSchedule
		return a, a.loadSchedule

	case "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedNotif > 0 {
			a.selectedNotif--
		}

	case "down", "j":
		if a.selectedNotif < len(a.notifications)-1 {
			a.selectedNotif++
		}

	case "enter":
		if len(a.notifications) > 0 && a.selectedNotif < len(a.notifications) {
			return a, a.markRead(a.notifications[a.selectedNotif].ID)
		}

	case "a":
		return a, a.markAllRead
	}

	return a, nil
}

func (a *App) View() string {
	switch a.view {
	case ViewSchedule:
		return a.viewSchedule()
	case ViewDetail:
		return a.viewDetail()
	case ViewNotifications:
		return a.viewNotifications()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusCancelled = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	statusPending   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	unreadStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220"))
)

func (a *App) viewSchedule() string {
	s := titleStyle.Render("vibe-kanban")
	if a.unread > 0 {
		s += "  " + unreadStyle.Render(fmt.Sprintf("(%d unread)", a.unread))
	}
	s += "\n\n"

	if a.err != nil {
		s += fmt.Sprintf("Error: %v\n", a.err)
	}

	if len(a.rows) == 0 {
		s += "Nothing scheduled. Use 'vibe-kanban schedule' to queue work.\n"
	} else {
		s += "Schedule\n"
		s += "────────\n"

		for i, row := range a.rows {
			line := a.formatScheduleLine(row)
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else if row.Status.IsTerminal() {
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] logs  [x] cancel  [d] delete  [n] notifications  [r] refresh  [q] quit")

	return s
}

func (a *App) formatScheduleLine(row *models.ScheduledTask) string {
	title := "(unknown task)"
	if task, ok := a.tasks[row.TaskID]; ok {
		title = truncate(task.Title, 35)
	}
	due := ""
	if row.Status == models.TaskStatusPending && row.ExecuteAt.After(time.Now()) {
		due = dimStyle.Render("due " + formatAge(row.ExecuteAt))
	}
	return fmt.Sprintf("%-38s %s  %-6s  %s", title, a.formatStatus(row.Status), formatAge(row.CreatedAt), due)
}

func (a *App) formatStatus(status models.ScheduledTaskStatus) string {
	switch status {
	case models.TaskStatusRunning:
		return statusRunning.Render("● running")
	case models.TaskStatusCompleted:
		return statusCompleted.Render("✓ completed")
	case models.TaskStatusFailed:
		return statusFailed.Render("✗ failed")
	case models.TaskStatusCancelled:
		return statusCancelled.Render("⊘ cancelled")
	case models.TaskStatusPending:
		return statusPending.Render("○ pending")
	default:
		return string(status)
	}
}

func (a *App) viewDetail() string {
	if a.selected == nil {
		return "No task selected"
	}

	title := "(unknown task)"
	if task, ok := a.tasks[a.selected.TaskID]; ok {
		title = task.Title
	}

	s := titleStyle.Render(title) + "  " + a.formatStatus(a.selected.Status) + "\n"
	if a.selected.ErrorMessage != nil {
		s += statusFailed.Render("error: "+*a.selected.ErrorMessage) + "\n"
	}
	if a.selected.SessionID != nil {
		s += labelStyle.Render("session: ") + dimStyle.Render(a.selected.SessionID.String()) + "\n"
	}
	s += "\n" + a.logView.View() + "\n"
	s += "\n" + helpStyle.Render("[↑/↓] scroll  [x] cancel  [esc] back  [q] quit")

	return s
}

func (a *App) viewNotifications() string {
	s := titleStyle.Render("Notifications") + "\n\n"

	if a.err != nil {
		s += fmt.Sprintf("Error: %v\n", a.err)
	}

	if len(a.notifications) == 0 {
		s += "(empty mailbox)\n"
	} else {
		for i, n := range a.notifications {
			marker := "  "
			if n.ReadAt == nil {
				marker = unreadStyle.Render("● ")
			}
			line := fmt.Sprintf("%s%-16s %-30s %s", marker, n.Type, truncate(n.Title, 30), dimStyle.Render(formatAge(n.CreatedAt)))
			if i == a.selectedNotif {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] mark read  [a] mark all read  [esc] back  [q] quit")

	return s
}

// Messages

type scheduleLoadedMsg struct {
	rows   []*models.ScheduledTask
	tasks  map[uuid.UUID]*models.Task
	unread int64
	err    error
}

type logsLoadedMsg struct {
	content string
}

type cancelledMsg struct {
	err error
}

type deletedMsg struct {
	err error
}

type notificationsLoadedMsg struct {
	notifications []*models.Notification
	err           error
}

type notificationReadMsg struct {
	err error
}

// Commands

func (a *App) loadSchedule() tea.Msg {
	rows, err := a.store.ListScheduledTasks(50)
	if err != nil {
		return scheduleLoadedMsg{err: err}
	}

	tasks := make(map[uuid.UUID]*models.Task)
	for _, row := range rows {
		if _, ok := tasks[row.TaskID]; ok {
			continue
		}
		if task, terr := a.store.GetTask(row.TaskID); terr == nil {
			tasks[row.TaskID] = task
		}
	}

	unread, _ := a.store.UnreadNotificationCount()
	return scheduleLoadedMsg{rows: rows, tasks: tasks, unread: unread}
}

func (a *App) loadLogs(id uuid.UUID) tea.Cmd {
	return func() tea.Msg {
		if a.sched == nil {
			return logsLoadedMsg{content: "(no worker in this process; logs unavailable)"}
		}
		sink := a.sched.Logs(id)
		if sink == nil {
			return logsLoadedMsg{content: "(no logs yet)"}
		}
		var b strings.Builder
		for _, entry := range sink.History() {
			if entry.Kind == msgstore.KindStderr {
				b.WriteString(dimStyle.Render(entry.Payload))
			} else {
				b.WriteString(entry.Payload)
			}
			b.WriteString("\n")
		}
		return logsLoadedMsg{content: b.String()}
	}
}

func (a *App) cancelRow(id uuid.UUID) tea.Cmd {
	return func() tea.Msg {
		if a.sched != nil {
			return cancelledMsg{err: a.sched.CancelTask(id)}
		}
		return cancelledMsg{err: a.store.CancelScheduledTask(id)}
	}
}

func (a *App) deleteRow(id uuid.UUID) tea.Cmd {
	return func() tea.Msg {
		_, err := a.store.DeleteScheduledTask(id)
		return deletedMsg{err: err}
	}
}

func (a *App) loadNotifications() tea.Msg {
	notifications, err := a.store.ListNotifications(50)
	return notificationsLoadedMsg{notifications: notifications, err: err}
}

func (a *App) markRead(id uuid.UUID) tea.Cmd {
	return func() tea.Msg {
		return notificationReadMsg{err: a.store.MarkNotificationRead(id)}
	}
}

func (a *App) markAllRead() tea.Msg {
	_, err := a.store.MarkAllNotificationsRead()
	return notificationReadMsg{err: err}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	if d < 0 {
		d = -d
	}
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
