// Copyright (c) Flowgate
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SettleType controls when a delivery is considered settled from the
// receiver's perspective (spec §3, Delivery lifetime).
type SettleType int

const (
	// SettleFirst settles on receipt; the peer does not wait for a
	// disposition.
	SettleFirst SettleType = iota
	// SettleSecond settles only once the peer's own disposition
	// arrives, echoing the receiver's.
	SettleSecond
	// SettleOnDispose settles as soon as the receiver's own
	// disposition is sent, without waiting on the peer.
	SettleOnDispose
)

// Settings configures a Receiver. Fields map onto the external
// Settings surface from spec §6; the engine-tuning knobs are this
// module's own extension so operators can retune the credit
// arithmetic without a rebuild.
type Settings struct {
	AutoSendFlow           bool       `yaml:"auto_send_flow"`
	SettleType             SettleType `yaml:"settle_type"`
	MaxMessageSize         uint64     `yaml:"max_message_size"`
	TotalCacheSizeInBytes  *uint64    `yaml:"total_cache_size_bytes"`
	TotalLinkCredit        uint32     `yaml:"total_link_credit"`

	// MaxCreditPerFlow bounds the credit issued in size-based
	// prefetch mode (spec §4.A). Zero means use the default.
	MaxCreditPerFlow uint32 `yaml:"max_credit_per_flow"`
	// DefaultAvgMsgSize seeds avgMsgSize before any message has
	// been observed (spec §3, Flow-queue invariants).
	DefaultAvgMsgSize uint64 `yaml:"default_avg_msg_size"`
	// MaxOnDemandCredit bounds on-demand (auto-credit off) issuance
	// (spec §4.E.1, maxOD).
	MaxOnDemandCredit uint32 `yaml:"max_on_demand_credit"`
	// BatchThreshold and PendingThreshold gate on-demand credit
	// batching (spec §4.E.1).
	BatchThreshold   uint32 `yaml:"batch_threshold"`
	PendingThreshold uint32 `yaml:"pending_threshold"`

	// FlowIssueRate/FlowIssueBurst throttle how often a size-mode
	// credit change may be sent to the peer through IssueCredit.
	// Credit dropping to zero, on-demand and drain issuance, and
	// SetTotalLinkCredit are not throttled.
	FlowIssueRate  float64 `yaml:"flow_issue_rate"`
	FlowIssueBurst int     `yaml:"flow_issue_burst"`

	// DispositionTimeout bounds how long disposeMessageAsync waits
	// for the peer's reciprocating disposition (spec §4.C).
	DispositionTimeout time.Duration `yaml:"disposition_timeout"`
}

const (
	defaultMaxCreditPerFlow  = 500
	defaultAvgMsgSize        = 256 * 1024
	defaultMaxOnDemand       = 200
	defaultBatchThreshold    = 20
	defaultPendingThreshold  = 20
	defaultFlowIssueRate     = 50.0
	defaultFlowIssueBurst    = 10
	defaultDispositionWait   = 30 * time.Second
)

// DefaultSettings returns count-based auto-credit settings with the
// engine-tuning knobs set to the values spec.md names explicitly.
func DefaultSettings() Settings {
	return Settings{
		AutoSendFlow:        true,
		SettleType:          SettleSecond,
		TotalLinkCredit:     100,
		MaxCreditPerFlow:    defaultMaxCreditPerFlow,
		DefaultAvgMsgSize:   defaultAvgMsgSize,
		MaxOnDemandCredit:   defaultMaxOnDemand,
		BatchThreshold:      defaultBatchThreshold,
		PendingThreshold:    defaultPendingThreshold,
		FlowIssueRate:       defaultFlowIssueRate,
		FlowIssueBurst:      defaultFlowIssueBurst,
		DispositionTimeout:  defaultDispositionWait,
	}
}

// LoadSettings loads Settings from a YAML file, layered over
// DefaultSettings so an operator only needs to override the knobs
// they care about. An empty filename, or one that does not exist,
// yields the defaults untouched.
func LoadSettings(filename string) (Settings, error) {
	settings := DefaultSettings()
	if filename == "" {
		return settings, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return Settings{}, fmt.Errorf("read settings file: %w", err)
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return Settings{}, fmt.Errorf("parse settings file: %w", err)
	}
	return settings, nil
}

// Save writes s to filename as YAML, mirroring LoadSettings.
func (s Settings) Save(filename string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("write settings file: %w", err)
	}
	return nil
}

func (s Settings) maxCreditPerFlow() uint32 {
	if s.MaxCreditPerFlow == 0 {
		return defaultMaxCreditPerFlow
	}
	return s.MaxCreditPerFlow
}

func (s Settings) defaultAvgMsgSize() uint64 {
	if s.DefaultAvgMsgSize == 0 {
		return defaultAvgMsgSize
	}
	return s.DefaultAvgMsgSize
}

func (s Settings) maxOnDemand() uint32 {
	if s.MaxOnDemandCredit == 0 {
		return defaultMaxOnDemand
	}
	return s.MaxOnDemandCredit
}

func (s Settings) batchThreshold() uint32 {
	if s.BatchThreshold == 0 {
		return defaultBatchThreshold
	}
	return s.BatchThreshold
}

func (s Settings) pendingThreshold() uint32 {
	if s.PendingThreshold == 0 {
		return defaultPendingThreshold
	}
	return s.PendingThreshold
}

func (s Settings) dispositionTimeout() time.Duration {
	if s.DispositionTimeout <= 0 {
		return defaultDispositionWait
	}
	return s.DispositionTimeout
}

// isSizeMode reports whether the flow-queue should operate in
// byte-budget prefetch mode (spec §3: isSizeMode <-> totalCacheBytes
// is set).
func (s Settings) isSizeMode() bool {
	return s.TotalCacheSizeInBytes != nil
}
