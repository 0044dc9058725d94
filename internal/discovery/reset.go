package discovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ResetQueue drains and obliterates the job queue. Startup-only
// maintenance, never called from the poll loop.
func (d *Daemon) ResetQueue(ctx context.Context) error {
	if err := d.queue.Drain(ctx); err != nil {
		return fmt.Errorf("drain queue: %w", err)
	}
	if err := d.queue.Obliterate(ctx); err != nil {
		return fmt.Errorf("obliterate queue: %w", err)
	}
	d.log.Info("queue reset", zap.String("queue", d.queue.Name()))
	return nil
}

// ResetLabels strips in-flight processing labels from every issue in
// the monitored repos so interrupted work is rediscovered by the next
// poll.
func (d *Daemon) ResetLabels(ctx context.Context) error {
	snap, err := d.settings.LoadAll()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	removed := 0
	for _, repo := range snap.EnabledRepos() {
		for _, label := range snap.PrimaryLabels {
			processing := snap.ProcessingLabel(label)
			issues, err := d.gh.SearchIssues(ctx, repo.Name, fmt.Sprintf("label:%q", processing))
			if err != nil {
				return fmt.Errorf("search %s for %q: %w", repo.Name, processing, err)
			}
			for _, issue := range issues {
				if err := d.gh.RemoveLabel(ctx, repo.Owner(), repo.Repo(), issue.Number, processing); err != nil {
					d.log.Warn("failed to remove processing label",
						zap.String("repo", repo.Name),
						zap.Int("issue", issue.Number),
						zap.String("label", processing),
						zap.Error(err))
					continue
				}
				removed++
				d.log.Info("processing label removed",
					zap.String("repo", repo.Name),
					zap.Int("issue", issue.Number),
					zap.String("label", processing))
			}
		}
	}
	d.log.Info("label reset complete", zap.Int("removed", removed))
	return nil
}
