package config

import (
	"slices"
	"strings"

	logx "burstbot/pkg/logx"
)

// Change describes what differs between two configs.
type Change struct {
	// Sections lists every top-level section that changed, in file order.
	Sections []string
	// RestartRequired is the subset of Sections that only takes effect on
	// restart.
	RestartRequired []string
	// Attrs are log fields for the new values. Secrets are reported only as
	// "<name>_set" booleans.
	Attrs []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares oldCfg and newCfg section by section. Only
// logging is applied live; every other section needs a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, live bool, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		if !live {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
		ch.Attrs = append(ch.Attrs, attrs...)
	}

	if trim(oldCfg.Coalesce.Window) != trim(newCfg.Coalesce.Window) {
		mark("coalesce", false, logx.String("coalesce.window", trim(newCfg.Coalesce.Window)))
	}

	o, n := oldCfg.Logging, newCfg.Logging
	if o.Level != n.Level || o.Console != n.Console || o.File.Enabled != n.File.Enabled || trim(o.File.Path) != trim(n.File.Path) {
		mark("logging", true,
			logx.String("logging.level", n.Level),
			logx.Bool("logging.console", n.Console),
			logx.Bool("logging.file_enabled", n.File.Enabled),
		)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Enabled != nt.Enabled || ot.Token != nt.Token || trim(ot.PollTimeout) != trim(nt.PollTimeout) || !slices.Equal(ot.AllowFrom, nt.AllowFrom) {
		mark("telegram", false,
			logx.Bool("telegram.enabled", nt.Enabled),
			logx.Bool("telegram.token_set", trim(nt.Token) != ""),
			logx.Int("telegram.allow_count", len(nt.AllowFrom)),
		)
	}

	if oldCfg.Webhook != newCfg.Webhook {
		w := newCfg.Webhook
		mark("webhook", false,
			logx.Bool("webhook.enabled", w.Enabled),
			logx.String("webhook.addr", w.Addr),
			logx.String("webhook.path", w.Path),
			logx.Bool("webhook.auth_token_set", trim(w.AuthToken) != ""),
		)
	}

	if oldCfg.Responder != newCfg.Responder {
		r := newCfg.Responder
		mark("responder", false,
			logx.String("responder.driver", r.Driver),
			logx.String("responder.model", r.Model),
			logx.Bool("responder.api_key_set", trim(r.APIKey) != ""),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		s := newCfg.Storage
		mark("storage", false,
			logx.String("storage.driver", s.Driver),
			logx.String("storage.path", s.Path),
		)
	}
	return ch
}

func (c Change) Summary() string { return strings.Join(c.Sections, ",") }

func trim(s string) string { return strings.TrimSpace(s) }
