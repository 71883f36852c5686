package main

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		logger.Warn("startup warning: ZOOM_APP_CLIENT_ID/ZOOM_APP_CLIENT_SECRET not set; engagement starts will be refused",
			"warning_code", "client_credentials_missing",
			"client_id_set", cfg.ClientID != "",
			"client_secret_set", cfg.ClientSecret != "",
			"mode", cfg.Mode,
		)
	}

	if cfg.WebhookSecretToken == "" {
		logger.Warn("startup warning: ZOOM_SECRET_TOKEN is unset; url_validation cannot be answered",
			"warning_code", "webhook_secret_token_missing",
			"mode", cfg.Mode,
		)
	}

	if !cfg.VerifyWebhookSignature {
		logger.Warn("startup security warning: RTMS_VERIFY_WEBHOOK_SIGNATURE is off; webhook signatures are not verified",
			"warning_code", "webhook_signature_unverified",
			"secret_token_set", cfg.WebhookSecretToken != "",
			"mode", cfg.Mode,
		)
	}

	if strings.TrimSpace(cfg.BackendURL) == "" {
		logger.Warn("startup warning: BACKEND_URL is unset; status messages are discarded",
			"warning_code", "status_reporting_disabled",
			"mode", cfg.Mode,
		)
	}

	if cfg.InactivityTimeout == 0 {
		logger.Warn("startup warning: inactivity timeout disabled; a silent relay keeps its engagement open until stopped",
			"warning_code", "inactivity_timeout_disabled",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxEngagements <= 0 {
		logger.Warn("startup security warning: RTMS_MAX_ENGAGEMENTS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_engagements_unlimited_in_prod",
			"max_engagements", cfg.MaxEngagements,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxMessageBytes > 16<<20 { // 16MiB
		logger.Warn("startup security warning: RTMS_MAX_MESSAGE_BYTES is very large (increases per-frame allocation risk)",
			"warning_code", "max_message_bytes_large",
			"max_message_bytes", cfg.MaxMessageBytes,
			"mode", cfg.Mode,
		)
	}
}

func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}
