package config

import (
	"time"

	"github.com/mlgclan/edgeguard/internal/models"
)

// Default returns the built-in policy. Parse decodes files on top of it.
func Default() *Policy {
	return &Policy{
		Server: Server{
			Listen:            ":8080",
			Upstream:          "http://127.0.0.1:3000",
			ReadHeaderTimeout: 30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		Limits: Limits{
			IP:       BucketLimit{RPS: 20, Burst: 40},
			Identity: IdentityLimit{RPM: 60, Burst: 20},
			Route: map[string]WindowLimit{
				"/auth/*":                {Limit: 20, Window: 10 * time.Second},
				"/api/vote":              {Limit: 30, Window: 10 * time.Second},
				"/api/wallet/sign":       {Limit: 20, Window: 10 * time.Second},
				"/api/clans/{id}/invite": {Limit: 20, Window: 10 * time.Second},
			},
			Action: map[models.ActionKind]WindowLimit{
				models.ActionVote:           {Limit: 5, Window: 10 * time.Second},
				models.ActionVoteBurn:       {Limit: 5, Window: 10 * time.Second},
				models.ActionClanInvite:     {Limit: 3, Window: time.Minute},
				models.ActionClanRoleChange: {Limit: 10, Window: time.Minute},
				models.ActionWalletSign:     {Limit: 10, Window: time.Minute},
				models.ActionLoginAttempt:   {Limit: 10, Window: time.Minute},
				models.ActionContentSubmit:  {Limit: 10, Window: time.Minute},
			},
		},
		Routes: map[string]Route{
			"/auth/*":                  {Action: models.ActionLoginAttempt, Sensitivity: models.SensitivitySensitive, Methods: []string{"GET", "POST"}},
			"/api/vote":                {Action: models.ActionVote, Sensitivity: models.SensitivitySensitive, Methods: []string{"POST"}},
			"/api/vote/burn":           {Action: models.ActionVoteBurn, Sensitivity: models.SensitivitySensitive, Methods: []string{"POST"}},
			"/api/wallet/sign":         {Action: models.ActionWalletSign, Sensitivity: models.SensitivitySensitive, Methods: []string{"POST"}},
			"/api/clans/{id}/invite":   {Action: models.ActionClanInvite, Methods: []string{"POST"}},
			"/api/clans/{id}/roles":    {Action: models.ActionClanRoleChange, Methods: []string{"POST", "PUT"}},
			"/api/content":             {Action: models.ActionContentSubmit, Methods: []string{"GET", "POST"}},
			"/api/tournaments/*":       {Methods: []string{"GET", "POST"}},
			"/api/tournaments/{id}/ws": {WebSocket: true, Methods: []string{"GET"}},
			"/static/*":                {Sensitivity: models.SensitivityPublic, Methods: []string{"GET", "HEAD"}},
		},
		Reputation: Reputation{
			HalfLife:           30 * time.Minute,
			TTL:                time.Hour,
			SweepInterval:      30 * time.Second,
			BlocklistThreshold: -80,
			AutoBlockTTL:       time.Hour,
			Snapshot: Snapshot{
				Backend:  "bolt",
				Path:     "data/edgeguard.db",
				Key:      "edgeguard:lists",
				Interval: time.Minute,
			},
		},
		L7: L7{
			SlowHeaderMS:         5000,
			SlowBodyBPS:          256,
			SlowBodyMinRemaining: 4096,
			SlowBodyGraceMS:      2000,
			IdleTimeoutMS:        120000,
			MaxInflightPerConn:   8,
			MaxHeaderBytes:       16 << 10,
			MaxPathLen:           512,
			WatchInterval:        250 * time.Millisecond,
			WS: WebSocket{
				MaxMsgsPerSec: 20,
				MaxPayload:    64 << 10,
				TextOnly:      true,
			},
			HostingNetworks: append([]string(nil), defaultHostingNetworks...),
			HostingScore:    0.35,
		},
		Scorer: Scorer{
			Weights:         Weights{Rate: 0.35, Rep: 0.3, L7: 0.2, Abuse: 0.15},
			BreakerFailures: 20,
			BreakerWindow:   10 * time.Second,
			BreakerCooldown: 30 * time.Second,
		},
		Response: Response{
			FailMode: map[models.Family]FailMode{
				models.FamilyIP:       FailOpen,
				models.FamilyIdentity: FailOpen,
				models.FamilyRoute:    FailOpen,
				models.FamilyAction:   FailClosed,

				// Sensitive routes fail closed on reputation errors
				// whatever this says.
				models.FamilyReputation: FailOpen,
			},
			MaxDelayMS:        2000,
			DenyRetryAfterMax: 5 * time.Minute,
			CriticalPenalty:   20,
			ThrottlePenalty:   1,
		},
		Modes: Modes{
			Tournament: Tightening{Tightening: 0.75},
			Emergency:  EmergencyMode{Tightening: 0.5, PriorityMultiplier: 2},
			Auto: AutoEscalator{
				Enabled:    true,
				Window:     time.Minute,
				MinSamples: 200,
				RaiseRatio: 0.3,
				Cooldown:   5 * time.Minute,
				MaxLevel:   models.LevelRed,
			},
		},
		Abuse: Abuse{
			SignalTTL:  5 * time.Minute,
			IdleExpiry: 15 * time.Minute,
			Vote: VoteAbuse{
				Window:           time.Minute,
				SprayCount:       20,
				SprayEntropy:     3.0,
				CadenceMinEvents: 8,
				CadenceMaxJitter: 15 * time.Millisecond,
				CohortSize:       20,
				CohortWindow:     10 * time.Second,
				FreshAge:         72 * time.Hour,
				CohortPenalty:    40,
			},
			Clan: ClanAbuse{
				Window:         time.Minute,
				InviteDistinct: 10,
				RoleCycles:     6,
				Churn:          6,
			},
			Wallet: WalletAbuse{
				Window:   time.Minute,
				MaxSigns: 30,
				MinValue: 1,
			},
			Login: LoginAbuse{
				Window:         5 * time.Minute,
				MaxFailures:    5,
				FailurePenalty: 4,
			},
			Content: ContentAbuse{
				Window:     time.Minute,
				MaxSubmits: 20,
			},
		},
		Enforcer: Enforcer{
			CheckSoftBudget: time.Millisecond,
			CheckHardBudget: 5 * time.Millisecond,
			HighWater:       32,
			LowWater:        8,
			IdentityHeader:  "X-Auth-User",
			LockBudget:      5 * time.Millisecond,
		},
		Admin: Admin{
			Listen:       "127.0.0.1:9090",
			AuditLog:     AuditLog{Path: "data/audit.log", MaxSizeMB: 100},
			PushInterval: 5 * time.Second,
		},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  100,
			MaxAgeDays: 14,
			Console:    true,
		},
		Export: Export{
			RabbitMQ: RabbitMQ{Exchange: "edgeguard_blocking"},
		},
		Stripes: 64,
		History: History{Capacity: 4096, Shards: 8},
		Challenge: Challenge{
			Difficulty: 4,
			TTL:        5 * time.Minute,
		},
	}
}
