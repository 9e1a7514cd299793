// Package reconcile converges the live peer set of the wg daemon toward the
// declared roster.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strings"

	"vpsmesh/internal/remote"
	"vpsmesh/internal/roster"
	"vpsmesh/internal/wireguard"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Upsert sets one declared peer's allowed IPs.
type Upsert struct {
	Name   string
	Key    wgtypes.Key
	Prefix netip.Prefix
}

// Plan is the set of daemon changes needed to match a roster.
type Plan struct {
	Remove    []wgtypes.Key
	Upsert    []Upsert
	Unchanged int
}

// Empty reports whether the daemon already matches.
func (p Plan) Empty() bool {
	return len(p.Remove) == 0 && len(p.Upsert) == 0
}

// BuildPlan compares live against st. Live peers missing from the roster are
// removed; declared peers that are absent or route anything other than their
// /32 are upserted. Removals are ordered by key, upserts by roster order.
func BuildPlan(live map[wgtypes.Key][]netip.Prefix, st *roster.State) (Plan, error) {
	var plan Plan
	declared := make(map[wgtypes.Key]struct{}, len(st.Peers))
	for _, p := range st.Peers {
		key, err := p.Key()
		if err != nil {
			return Plan{}, err
		}
		declared[key] = struct{}{}

		want := p.Prefix()
		if got, ok := live[key]; ok && len(got) == 1 && got[0] == want {
			plan.Unchanged++
			continue
		}
		plan.Upsert = append(plan.Upsert, Upsert{Name: p.Name, Key: key, Prefix: want})
	}

	for key := range live {
		if _, ok := declared[key]; !ok {
			plan.Remove = append(plan.Remove, key)
		}
	}
	sort.Slice(plan.Remove, func(i, j int) bool {
		return plan.Remove[i].String() < plan.Remove[j].String()
	})
	return plan, nil
}

// Report summarizes one reconciliation.
type Report struct {
	Removed   []string
	Upserted  []string
	Unchanged int
}

// Changed reports whether any daemon command was sent.
func (r Report) Changed() bool {
	return len(r.Removed) > 0 || len(r.Upserted) > 0
}

// DriftError reports that the daemon still differs from the roster after the
// plan was applied.
type DriftError struct {
	Remaining Plan
}

func (e *DriftError) Error() string {
	var parts []string
	if n := len(e.Remaining.Remove); n > 0 {
		parts = append(parts, fmt.Sprintf("%d orphan peer(s) still present", n))
	}
	if n := len(e.Remaining.Upsert); n > 0 {
		names := make([]string, n)
		for i, u := range e.Remaining.Upsert {
			names[i] = u.Name
		}
		parts = append(parts, fmt.Sprintf("peer(s) %s not at declared address", strings.Join(names, ", ")))
	}
	return "daemon did not converge to roster: " + strings.Join(parts, "; ")
}

// Reconciler applies plans over a remote channel.
type Reconciler struct {
	Commands wireguard.Commands
	Logger   *slog.Logger
}

// New returns a Reconciler logging to slog.Default.
func New(cmds wireguard.Commands) *Reconciler {
	return &Reconciler{Commands: cmds, Logger: slog.Default()}
}

// LivePeers lists the daemon's current peers and their allowed IPs.
func (r *Reconciler) LivePeers(ctx context.Context, ch remote.Channel) (map[wgtypes.Key][]netip.Prefix, error) {
	res, err := remote.Run(ctx, ch, r.Commands.ShowAllowedIPs())
	if err != nil {
		return nil, fmt.Errorf("list live peers: %w", err)
	}
	live, err := wireguard.ParseAllowedIPs(res.Stdout)
	if err != nil {
		return nil, fmt.Errorf("list live peers: %w", err)
	}
	return live, nil
}

// Reconcile makes the daemon's peer set equal to st. All changes and a
// `wg-quick save` go out as one remote command. When nothing differs no
// command is sent. The result is verified by listing the peers again.
func (r *Reconciler) Reconcile(ctx context.Context, ch remote.Channel, st *roster.State) (Report, error) {
	live, err := r.LivePeers(ctx, ch)
	if err != nil {
		return Report{}, err
	}
	plan, err := BuildPlan(live, st)
	if err != nil {
		return Report{}, fmt.Errorf("plan reconciliation: %w", err)
	}

	report := Report{Unchanged: plan.Unchanged}
	if plan.Empty() {
		r.logger().Debug("daemon matches roster", "endpoint", ch.Target(), "peers", plan.Unchanged)
		return report, nil
	}

	cmds := make([]remote.Cmd, 0, len(plan.Remove)+len(plan.Upsert)+1)
	for _, key := range plan.Remove {
		cmds = append(cmds, r.Commands.RemovePeer(key))
		report.Removed = append(report.Removed, key.String())
	}
	for _, u := range plan.Upsert {
		cmds = append(cmds, r.Commands.SetPeer(u.Key, u.Prefix))
		report.Upserted = append(report.Upserted, u.Name)
	}
	cmds = append(cmds, r.Commands.Save())

	if _, err := remote.Run(ctx, ch, remote.Chain(cmds...)); err != nil {
		return report, fmt.Errorf("apply peer changes: %w", err)
	}
	r.logger().Info("applied peer changes",
		"endpoint", ch.Target(),
		"removed", len(report.Removed),
		"upserted", len(report.Upserted),
		"unchanged", report.Unchanged,
	)

	live, err = r.LivePeers(ctx, ch)
	if err != nil {
		return report, fmt.Errorf("verify reconciliation: %w", err)
	}
	remaining, err := BuildPlan(live, st)
	if err != nil {
		return report, fmt.Errorf("verify reconciliation: %w", err)
	}
	if !remaining.Empty() {
		return report, &DriftError{Remaining: remaining}
	}
	return report, nil
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
