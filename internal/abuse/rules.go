package abuse

import (
	"fmt"

	"github.com/mlgclan/edgeguard/internal/config"
	"github.com/mlgclan/edgeguard/internal/models"
)

func (d *Detector) clan(ev *models.ActionEvent, cfg config.ClanAbuse, f float64) ([]Detection, error) {
	actor := ev.ActorKey()
	s := sample{at: ev.At, target: ev.Target, weight: ev.Weight}
	var dets []Detection

	var err error
	switch ev.Kind {
	case models.ActionClanInvite:
		err = d.observe("clan_invite|"+actor, s, cfg.Window, func(p *pattern) {
			if n := p.distinctTargets(); n >= scale(cfg.InviteDistinct, f) {
				dets = append(dets, Detection{
					Detector: "clan_invite_spam",
					Severity: SeverityMedium,
					Keys:     []string{actor},
					Reason:   fmt.Sprintf("%d distinct invitees in %s", n, cfg.Window),
				})
			}
		})
	case models.ActionClanRoleChange:
		err = d.observe("clan_role|"+actor+"|"+ev.Target, s, cfg.Window, func(p *pattern) {
			if n := p.count(); n >= scale(cfg.RoleCycles, f) {
				dets = append(dets, Detection{
					Detector: "clan_role_cycling",
					Severity: SeverityMedium,
					Keys:     []string{actor},
					Reason:   fmt.Sprintf("%d role changes on %s in %s", n, ev.Target, cfg.Window),
				})
			}
		})
	case models.ActionClanJoin, models.ActionClanLeave:
		err = d.observe("clan_churn|"+actor, s, cfg.Window, func(p *pattern) {
			if n := p.count(); n >= scale(cfg.Churn, f) {
				dets = append(dets, Detection{
					Detector: "clan_churn",
					Severity: SeverityLow,
					Keys:     []string{actor},
					Reason:   fmt.Sprintf("%d joins and leaves in %s", n, cfg.Window),
				})
			}
		})
	}
	return dets, err
}

func (d *Detector) wallet(ev *models.ActionEvent, cfg config.WalletAbuse, f float64) ([]Detection, error) {
	actor := ev.ActorKey()
	var dets []Detection
	err := d.observe("wallet|"+actor, sample{at: ev.At, target: ev.Target, weight: ev.Weight}, cfg.Window, func(p *pattern) {
		micro := p.countWhere(func(s sample) bool { return s.weight < cfg.MinValue })
		if micro >= scale(cfg.MaxSigns, f) {
			dets = append(dets, Detection{
				Detector: "wallet_microtx",
				Severity: SeverityHigh,
				Keys:     []string{actor},
				Reason:   fmt.Sprintf("%d signatures below %.2f in %s", micro, cfg.MinValue, cfg.Window),
			})
		}
	})
	return dets, err
}

// login charges every failure to the IP and the identity, then counts
// failures per key. Crossing twice the limit raises the severity.
func (d *Detector) login(ev *models.ActionEvent, cfg config.LoginAbuse, f float64) ([]Detection, error) {
	if !ev.Failed {
		return nil, nil
	}
	var keys []string
	if ev.IP.IsValid() {
		keys = append(keys, models.IPKey(ev.IP))
	}
	if ev.Actor != "" {
		keys = append(keys, models.IdentityKey(ev.Actor))
	}

	limit := scale(cfg.MaxFailures, f)
	var dets []Detection
	for _, key := range keys {
		if cfg.FailurePenalty > 0 {
			if _, err := d.rep.Adjust(key, -cfg.FailurePenalty, "login failure"); err != nil {
				return nil, err
			}
		}
		err := d.observe("login|"+key, sample{at: ev.At, target: ev.Target}, cfg.Window, func(p *pattern) {
			n := p.count()
			if n < limit {
				return
			}
			sev := SeverityMedium
			if n >= 2*limit {
				sev = SeverityHigh
			}
			dets = append(dets, Detection{
				Detector: "login_bruteforce",
				Severity: sev,
				Keys:     []string{key},
				Reason:   fmt.Sprintf("%d failed logins in %s", n, cfg.Window),
			})
		})
		if err != nil {
			return nil, err
		}
	}
	return dets, nil
}

func (d *Detector) content(ev *models.ActionEvent, cfg config.ContentAbuse, f float64) ([]Detection, error) {
	actor := ev.ActorKey()
	var dets []Detection
	err := d.observe("content|"+actor, sample{at: ev.At, target: ev.Target}, cfg.Window, func(p *pattern) {
		if n := p.count(); n >= scale(cfg.MaxSubmits, f) {
			dets = append(dets, Detection{
				Detector: "content_spam",
				Severity: SeverityLow,
				Keys:     []string{actor},
				Reason:   fmt.Sprintf("%d submissions in %s", n, cfg.Window),
			})
		}
	})
	return dets, err
}
