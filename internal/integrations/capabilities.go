package integrations

import (
	"admitflow/internal/config"
	"admitflow/internal/workflow"

	"github.com/sirupsen/logrus"
)

// Capabilities assembles the default collaborators from configuration. Email and
// SMS fall back to logging when their transports are not configured.
func Capabilities(cfg *config.Config, portal *Portal, tasks workflow.TaskScheduler, logger *logrus.Logger) (workflow.Capabilities, *HTTPCaller) {
	caps := workflow.Capabilities{
		Notifier: portal,
		Status:   portal,
		Fields:   portal,
		Tasks:    tasks,
	}

	if cfg.SMTP.Host != "" {
		caps.Mailer = NewSMTPMailer(cfg.SMTP, logger)
	} else {
		logger.Warn("smtp.host is empty, emails will only be logged")
		caps.Mailer = LogMailer{Logger: logger}
	}

	if cfg.SMS.GatewayURL != "" {
		caps.SMS = NewSMSGateway(cfg.SMS, NewHTTPClient(cfg.HTTPClient.Timeout))
	} else {
		logger.Warn("sms.gateway_url is empty, sms will only be logged")
		caps.SMS = LogSMS{Logger: logger}
	}

	caller := NewHTTPCaller(cfg.HTTPClient, logger)
	caps.HTTP = caller
	return caps, caller
}
