package abuse

import (
	"fmt"
	"time"

	"github.com/mlgclan/edgeguard/internal/config"
	"github.com/mlgclan/edgeguard/internal/models"
)

func (d *Detector) vote(ev *models.ActionEvent, cfg config.VoteAbuse, f float64) ([]Detection, error) {
	actor := ev.ActorKey()
	var dets []Detection

	err := d.observe("vote|"+actor, sample{at: ev.At, target: ev.Target, weight: ev.Weight}, cfg.Window, func(p *pattern) {
		n := p.count()
		if spray := scale(cfg.SprayCount, f); n >= spray {
			if h := p.targetEntropy(); h >= cfg.SprayEntropy {
				dets = append(dets, Detection{
					Detector: "vote_spray",
					Severity: SeverityMedium,
					Keys:     []string{actor},
					Reason:   fmt.Sprintf("%d votes over %d targets (entropy %.2f) in %s", n, p.distinctTargets(), h, cfg.Window),
				})
			}
		}
		if j, ok := p.jitter(cfg.CadenceMinEvents); ok && j <= cfg.CadenceMaxJitter {
			dets = append(dets, Detection{
				Detector: "vote_cadence",
				Severity: SeverityHigh,
				Keys:     []string{actor},
				Reason:   fmt.Sprintf("last %d votes spaced with %s jitter", cfg.CadenceMinEvents, j.Round(time.Microsecond)),
			})
		}
	})
	if err != nil {
		return nil, err
	}

	if det, ok, err := d.coordination(ev, cfg, f); err != nil {
		return nil, err
	} else if ok {
		dets = append(dets, det)
	}
	return dets, nil
}

// fresh reports whether the voter is a new account.
func (d *Detector) fresh(ev *models.ActionEvent, cfg config.VoteAbuse) bool {
	if ev.AccountAge > 0 {
		return ev.AccountAge < cfg.FreshAge
	}
	rec, err := d.rep.Get(models.IdentityKey(ev.Actor))
	return err == nil && rec.Has(models.TagNew)
}

// coordination detects many fresh identities from one network voting the
// same target in a short window. The network is floored to the blocklist
// threshold and every voter pays the cohort penalty. Fresh voters joining
// an exposed cohort are penalized as they arrive.
func (d *Detector) coordination(ev *models.ActionEvent, cfg config.VoteAbuse, f float64) (Detection, bool, error) {
	if ev.Actor == "" || !ev.IP.IsValid() || !d.fresh(ev, cfg) {
		return Detection{}, false, nil
	}
	netKey := models.NetworkKey(ev.IP)
	key := "cohort|" + netKey + "|" + ev.Target
	size := scale(cfg.CohortSize, f)
	floor := d.policy.Current().Reputation.BlocklistThreshold

	var (
		det Detection
		hit bool
	)
	err := d.cohorts.With(key, func(items map[string]*cohort) error {
		c, ok := items[key]
		if !ok {
			c = &cohort{}
			items[key] = c
		}
		c.add(ev.Actor, ev.At, cfg.CohortWindow)

		keys := []string{netKey}
		switch {
		case c.active(ev.At, cfg.CohortWindow):
			keys = append(keys, models.IdentityKey(ev.Actor))
			delete(c.voters, ev.Actor)
		case len(c.voters) >= size:
			for id := range c.voters {
				keys = append(keys, models.IdentityKey(id))
			}
			c.voters = nil
			c.fired = ev.At
		default:
			return nil
		}
		hit = true
		det = Detection{
			Detector: "vote_coordination",
			Severity: SeverityCritical,
			Keys:     keys,
			Reason:   fmt.Sprintf("%d fresh identities from %s voted %s within %s", len(keys)-1, netKey, ev.Target, cfg.CohortWindow),
			floor:    &floor,
			penalty:  cfg.CohortPenalty,
		}
		return nil
	})
	return det, hit, err
}
