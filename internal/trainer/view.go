package trainer

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/claytonnetvision/wodpulse/internal/calc"
	"github.com/claytonnetvision/wodpulse/internal/ranking"
	"github.com/claytonnetvision/wodpulse/internal/sensor"
	"github.com/claytonnetvision/wodpulse/internal/session"
)

var zoneColors = map[calc.Zone]*color.Color{
	calc.ZoneGray:   color.New(color.FgWhite),
	calc.ZoneGreen:  color.New(color.FgGreen),
	calc.ZoneBlue:   color.New(color.FgBlue),
	calc.ZoneYellow: color.New(color.FgYellow),
	calc.ZoneOrange: color.New(color.FgHiRed),
	calc.ZoneRed:    color.New(color.FgRed, color.Bold),
}

// View renders coach screens as text.
type View struct {
	out io.Writer
}

// NewView writes to out. Colors follow color.NoColor.
func NewView(out io.Writer) *View {
	if out == nil {
		panic("View: out cannot be nil")
	}
	return &View{out: out}
}

// Live prints one frame of the class board.
func (v *View) Live(b LiveBoard) {
	bold := color.New(color.Bold).SprintFunc()
	faint := color.New(color.Faint).SprintFunc()
	s := b.Snapshot

	fmt.Fprintf(v.out, "%s  %s  %s\n", bold(s.ClassLabel), s.Phase, formatElapsed(s.Elapsed))
	for _, p := range s.Participants {
		hr := faint("  --")
		if p.Connected && p.HR > 0 {
			hr = fmt.Sprintf("%4d", p.HR)
		}
		zone := zoneColors[p.Zone].Sprintf("%-6s %3d%%", p.Zone, p.Percent)
		fmt.Fprintf(v.out, "  %-16s %s bpm  %s  %6.2f pts  %6.1f kcal\n", p.Name, hr, zone, p.Points, p.Calories)
	}
	if b.HasLeader {
		fmt.Fprintf(v.out, "  Leader: %s (%.2f pts)\n", bold(b.Leader.Name), b.Leader.Points)
	}
	if len(b.TopVO2) > 0 {
		names := make([]string, 0, len(b.TopVO2))
		for _, st := range b.TopVO2 {
			names = append(names, fmt.Sprintf("%s %s", st.Name, formatElapsed(time.Duration(st.VO2Seconds)*time.Second)))
		}
		fmt.Fprintf(v.out, "  VO2: %s\n", strings.Join(names, ", "))
	}
}

// Summary prints the end-of-class recap.
func (v *View) Summary(rec session.SessionRecord, sum ranking.Summary) {
	boldGreen := color.New(color.FgGreen, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	fmt.Fprintf(v.out, "%s %s (%d min, %d participants)\n", boldGreen("Class finished:"), rec.ClassLabel,
		rec.DurationMinutes(), len(rec.Participants))
	if sum.HasPoints {
		fmt.Fprintf(v.out, "  Points leader:   %s (%.2f)\n", yellow(sum.PointsLeader.Name), sum.PointsLeader.Points)
	}
	if sum.HasCalories {
		fmt.Fprintf(v.out, "  Calories leader: %s (%.0f kcal)\n", yellow(sum.CaloriesLeader.Name), sum.CaloriesLeader.Calories)
	}
	v.standings("Top points", sum.TopPoints, ranking.ByPoints)
	v.standings("Top calories", sum.TopCalories, ranking.ByCalories)
}

// Leaders prints the daily and weekly boards.
func (v *View) Leaders(l Leaders) {
	v.board("Today", l.Daily)
	v.board("This week", l.Weekly)
}

func (v *View) board(title string, b ranking.Board) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Fprintf(v.out, "%s (%s - %s)\n", cyan(title), b.Since.Format("2006-01-02"), b.Until.AddDate(0, 0, -1).Format("2006-01-02"))
	if len(b.ByPoints) == 0 && len(b.ByCalories) == 0 {
		fmt.Fprintln(v.out, "  no sessions")
		return
	}
	v.standings("Points", b.ByPoints, ranking.ByPoints)
	v.standings("Calories", b.ByCalories, ranking.ByCalories)
}

func (v *View) standings(title string, list []ranking.Standing, m ranking.Metric) {
	if len(list) == 0 {
		return
	}
	fmt.Fprintf(v.out, "  %s:\n", title)
	for i, st := range list {
		switch m {
		case ranking.ByCalories:
			fmt.Fprintf(v.out, "    %d. %-16s %7.0f kcal\n", i+1, st.Name, st.Calories)
		default:
			fmt.Fprintf(v.out, "    %d. %-16s %7.2f pts\n", i+1, st.Name, st.Points)
		}
	}
}

// Reconnect prints a reconnect-all outcome.
func (v *View) Reconnect(r sensor.ReconnectReport) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	fmt.Fprintf(v.out, "%s connected, %s failed\n", green(len(r.Connected)), red(len(r.Failed)))
	ids := make([]string, 0, len(r.Failed))
	for id := range r.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(v.out, "  %s: %v\n", id, r.Failed[id])
	}
}

func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	m := int(d / time.Minute)
	s := int((d % time.Minute) / time.Second)
	return fmt.Sprintf("%02d:%02d", m, s)
}
