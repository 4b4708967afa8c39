package engine

import (
	"context"
	"time"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

const statsDays = 14

func trackerTarget(tr api.RecordTracker) api.RecordRef { return tr.Target }
func instanceTarget(i *api.StepInstance) api.RecordRef { return i.Target }

func (e *engineImpl) GetInstance(ctx context.Context, id string) (*api.StepInstance, error) {
	inst, err := e.instances.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	out, err := visible(ctx, e, []*api.StepInstance{inst}, instanceTarget)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (e *engineImpl) ListTrackers(ctx context.Context, configurationID string) ([]api.RecordTracker, error) {
	trs, err := e.trackers.ListTrackers(ctx, persistence.TrackerFilter{
		ConfigurationID: configurationID,
		IncludeTests:    true,
	})
	if err != nil {
		return nil, err
	}
	return visible(ctx, e, trs, trackerTarget)
}

func (e *engineImpl) ListInstances(ctx context.Context, q api.InstanceQuery) ([]*api.StepInstance, error) {
	insts, err := e.instances.ListInstances(ctx, persistence.InstanceFilter{
		ConfigurationID: q.ConfigurationID,
		TrackerID:       q.TrackerID,
		DefinitionID:    q.DefinitionID,
		State:           q.State,
		IncludeTests:    q.IncludeTests,
	})
	if err != nil {
		return nil, err
	}
	return visible(ctx, e, insts, instanceTarget)
}

// TrackerTree returns the tracker's instances arranged by parent, roots
// first, siblings in creation order.
func (e *engineImpl) TrackerTree(ctx context.Context, trackerID string) ([]*api.InstanceNode, error) {
	tr, err := e.trackers.GetTracker(ctx, trackerID)
	if err != nil {
		return nil, err
	}
	if _, err := visible(ctx, e, []api.RecordTracker{tr}, trackerTarget); err != nil {
		return nil, err
	}

	insts, err := e.instances.ListInstances(ctx, persistence.InstanceFilter{TrackerID: trackerID, IncludeTests: true})
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]*api.InstanceNode, len(insts))
	for _, inst := range insts {
		nodes[inst.ID] = &api.InstanceNode{Instance: inst}
	}
	var roots []*api.InstanceNode
	for _, inst := range insts {
		node := nodes[inst.ID]
		if parent, ok := nodes[inst.ParentID]; ok && inst.ParentID != "" {
			parent.Children = append(parent.Children, node)
			continue
		}
		roots = append(roots, node)
	}
	return roots, nil
}

func (e *engineImpl) TrackerState(ctx context.Context, trackerID string) (api.TrackerState, error) {
	tr, err := e.trackers.GetTracker(ctx, trackerID)
	if err != nil {
		return "", err
	}
	if _, err := visible(ctx, e, []api.RecordTracker{tr}, trackerTarget); err != nil {
		return "", err
	}
	pending, err := e.instances.ListInstances(ctx, persistence.InstanceFilter{
		TrackerID:    trackerID,
		State:        api.InstanceScheduled,
		IncludeTests: true,
	})
	if err != nil {
		return "", err
	}
	if len(pending) > 0 {
		return api.TrackerRunning, nil
	}
	return api.TrackerDone, nil
}

// Counters only counts rows whose target the caller may read.
func (e *engineImpl) Counters(ctx context.Context, configurationID string) (api.Counters, error) {
	c, err := e.configs.GetConfiguration(ctx, configurationID)
	if err != nil {
		return api.Counters{}, err
	}

	var matched []int64
	if e.records != nil {
		pred, err := e.configPredicate(ctx, c)
		if err != nil {
			return api.Counters{}, err
		}
		matched, err = e.records.Query(ctx, c.Model, pred, e.env(ctx))
		if err != nil {
			return api.Counters{}, err
		}
	}
	trs, err := e.trackers.ListTrackers(ctx, persistence.TrackerFilter{ConfigurationID: c.ID})
	if err != nil {
		return api.Counters{}, err
	}
	tests, err := e.trackers.ListTrackers(ctx, persistence.TrackerFilter{ConfigurationID: c.ID, TestsOnly: true})
	if err != nil {
		return api.Counters{}, err
	}
	insts, err := e.instances.ListInstances(ctx, persistence.InstanceFilter{ConfigurationID: c.ID})
	if err != nil {
		return api.Counters{}, err
	}

	refs := make([]api.RecordRef, 0, len(matched)+len(trs)+len(tests)+len(insts))
	for _, id := range matched {
		refs = append(refs, api.RecordRef{Model: c.Model, ID: id})
	}
	for _, tr := range append(trs, tests...) {
		refs = append(refs, tr.Target)
	}
	for _, inst := range insts {
		refs = append(refs, inst.Target)
	}
	allowed, err := e.allowedTargets(ctx, refs, api.OpRead)
	if err != nil {
		return api.Counters{}, err
	}
	readable := func(ref api.RecordRef) bool { return allowed == nil || allowed[ref] }

	var out api.Counters
	for _, id := range matched {
		if readable(api.RecordRef{Model: c.Model, ID: id}) {
			out.Records++
		}
	}
	for _, tr := range tests {
		if readable(tr.Target) {
			out.Tests++
		}
	}

	running := make(map[string]bool)
	visibleInsts := make(map[string]bool)
	for _, inst := range insts {
		if !readable(inst.Target) {
			continue
		}
		visibleInsts[inst.ID] = true
		if inst.State == api.InstanceScheduled {
			running[inst.TrackerID] = true
		}
		if inst.State != api.InstanceDone {
			continue
		}
		switch inst.StepType {
		case api.StepMail:
			out.MailActivities++
		case api.StepAction:
			out.ActionActivities++
		}
	}
	for _, tr := range trs {
		if !readable(tr.Target) {
			continue
		}
		out.Tracked++
		if running[tr.ID] {
			out.Running++
		} else {
			out.Done++
		}
	}

	if allowed == nil {
		out.Clicks, err = e.clicks.CountClicks(ctx, c.ID)
		if err != nil {
			return api.Counters{}, err
		}
		return out, nil
	}
	byInstance, err := e.clicks.ClickCounts(ctx, c.ID)
	if err != nil {
		return api.Counters{}, err
	}
	for id, n := range byInstance {
		if visibleInsts[id] {
			out.Clicks += n
		}
	}
	return out, nil
}

// StepStats buckets the definition's processed non-test instances by day
// over the last 14 days, oldest first.
func (e *engineImpl) StepStats(ctx context.Context, definitionID string) (api.StepStats, error) {
	if _, err := e.defs.GetDefinition(ctx, definitionID); err != nil {
		return api.StepStats{}, err
	}

	now := e.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	first := today.AddDate(0, 0, -(statsDays - 1))

	stats := api.StepStats{DefinitionID: definitionID, Days: make([]api.DayBucket, statsDays)}
	for i := range stats.Days {
		stats.Days[i].Day = first.AddDate(0, 0, i)
	}

	insts, err := e.instances.ListInstances(ctx, persistence.InstanceFilter{
		DefinitionID:   definitionID,
		ProcessedSince: first,
	})
	if err != nil {
		return api.StepStats{}, err
	}
	for _, inst := range insts {
		day := inst.ProcessedAt.UTC()
		idx := int(time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC).Sub(first).Hours() / 24)
		if idx < 0 || idx >= statsDays {
			continue
		}
		switch inst.State {
		case api.InstanceDone:
			stats.Days[idx].Done++
			stats.Done++
		case api.InstanceExpired, api.InstanceRejected, api.InstanceError, api.InstanceCancel:
			stats.Days[idx].Error++
			stats.Error++
		}
	}
	return stats, nil
}
