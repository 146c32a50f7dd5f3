package models

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// ActionConfig is the type-specific configuration of an action. Exactly one
// implementation exists per ActionType.
type ActionConfig interface {
	Type() ActionType
	Validate() error
}

// StatusChangeConfig moves the subject to a new status.
type StatusChangeConfig struct {
	NewStatus string `mapstructure:"new_status" json:"new_status" yaml:"new_status"`
}

// SendEmailConfig 发送邮件；subject/body 支持模板变量
type SendEmailConfig struct {
	EmailTemplate string   `mapstructure:"email_template" json:"email_template,omitempty" yaml:"email_template,omitempty"`
	EmailSubject  string   `mapstructure:"email_subject" json:"email_subject,omitempty" yaml:"email_subject,omitempty"`
	EmailBody     string   `mapstructure:"email_body" json:"email_body,omitempty" yaml:"email_body,omitempty"`
	EmailTo       []string `mapstructure:"email_to" json:"email_to" yaml:"email_to"`
}

// SendSMSConfig 发送短信
type SendSMSConfig struct {
	SMSTemplate string   `mapstructure:"sms_template" json:"sms_template,omitempty" yaml:"sms_template,omitempty"`
	SMSMessage  string   `mapstructure:"sms_message" json:"sms_message,omitempty" yaml:"sms_message,omitempty"`
	SMSTo       []string `mapstructure:"sms_to" json:"sms_to" yaml:"sms_to"`
}

// CreateNotificationConfig 站内通知
type CreateNotificationConfig struct {
	NotificationType       string   `mapstructure:"notification_type" json:"notification_type" yaml:"notification_type"`
	NotificationTitle      string   `mapstructure:"notification_title" json:"notification_title,omitempty" yaml:"notification_title,omitempty"`
	NotificationMessage    string   `mapstructure:"notification_message" json:"notification_message" yaml:"notification_message"`
	NotificationPriority   string   `mapstructure:"notification_priority" json:"notification_priority,omitempty" yaml:"notification_priority,omitempty"`
	NotificationRecipients []string `mapstructure:"notification_recipients" json:"notification_recipients,omitempty" yaml:"notification_recipients,omitempty"`
}

// UpdateFieldConfig sets one field on the subject.
type UpdateFieldConfig struct {
	FieldName  string      `mapstructure:"field_name" json:"field_name" yaml:"field_name"`
	FieldValue interface{} `mapstructure:"field_value" json:"field_value" yaml:"field_value"`
}

// CallAPIConfig 调用外部 HTTP 接口
type CallAPIConfig struct {
	APIURL    string      `mapstructure:"api_url" json:"api_url" yaml:"api_url"`
	APIMethod string      `mapstructure:"api_method" json:"api_method,omitempty" yaml:"api_method,omitempty"`
	APIBody   interface{} `mapstructure:"api_body" json:"api_body,omitempty" yaml:"api_body,omitempty"`
}

// ScheduleTaskConfig 延迟任务
type ScheduleTaskConfig struct {
	TaskType       string                 `mapstructure:"task_type" json:"task_type" yaml:"task_type"`
	TaskDelayHours float64                `mapstructure:"task_delay_hours" json:"task_delay_hours" yaml:"task_delay_hours"`
	TaskConfig     map[string]interface{} `mapstructure:"task_config" json:"task_config,omitempty" yaml:"task_config,omitempty"`
}

func (StatusChangeConfig) Type() ActionType       { return ActionStatusChange }
func (SendEmailConfig) Type() ActionType          { return ActionSendEmail }
func (SendSMSConfig) Type() ActionType            { return ActionSendSMS }
func (CreateNotificationConfig) Type() ActionType { return ActionCreateNotification }
func (UpdateFieldConfig) Type() ActionType        { return ActionUpdateField }
func (CallAPIConfig) Type() ActionType            { return ActionCallAPI }
func (ScheduleTaskConfig) Type() ActionType       { return ActionScheduleTask }

func (c StatusChangeConfig) Validate() error {
	if strings.TrimSpace(c.NewStatus) == "" {
		return fmt.Errorf("new_status is required")
	}
	return nil
}

func (c SendEmailConfig) Validate() error {
	if len(cleanSet(c.EmailTo)) == 0 {
		return fmt.Errorf("email_to is required")
	}
	if strings.TrimSpace(c.EmailSubject) == "" {
		return fmt.Errorf("email_subject is required")
	}
	if strings.TrimSpace(c.EmailBody) == "" && strings.TrimSpace(c.EmailTemplate) == "" {
		return fmt.Errorf("email_body or email_template is required")
	}
	return nil
}

func (c SendSMSConfig) Validate() error {
	if len(cleanSet(c.SMSTo)) == 0 {
		return fmt.Errorf("sms_to is required")
	}
	if strings.TrimSpace(c.SMSMessage) == "" && strings.TrimSpace(c.SMSTemplate) == "" {
		return fmt.Errorf("sms_message or sms_template is required")
	}
	return nil
}

// Notification priorities accepted by CREATE_NOTIFICATION.
var NotificationPriorities = []string{"LOW", "NORMAL", "HIGH", "URGENT"}

func (c CreateNotificationConfig) Validate() error {
	if strings.TrimSpace(c.NotificationType) == "" {
		return fmt.Errorf("notification_type is required")
	}
	if strings.TrimSpace(c.NotificationMessage) == "" {
		return fmt.Errorf("notification_message is required")
	}
	if c.NotificationPriority != "" {
		for _, p := range NotificationPriorities {
			if strings.EqualFold(p, c.NotificationPriority) {
				return nil
			}
		}
		return fmt.Errorf("notification_priority %q is not one of %s", c.NotificationPriority, strings.Join(NotificationPriorities, ", "))
	}
	return nil
}

func (c UpdateFieldConfig) Validate() error {
	if strings.TrimSpace(c.FieldName) == "" {
		return fmt.Errorf("field_name is required")
	}
	switch c.FieldValue.(type) {
	case nil, string, bool, float64, float32, int, int64, uint, uint64, json.Number:
		return nil
	default:
		return fmt.Errorf("field_value must be a scalar, got %T", c.FieldValue)
	}
}

// HTTP methods accepted by CALL_API.
var APIMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE"}

func (c CallAPIConfig) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || c.APIURL == "" {
		return fmt.Errorf("api_url is required and must be a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("api_url must use http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("api_url must include a host")
	}
	if c.APIMethod != "" {
		for _, m := range APIMethods {
			if m == strings.ToUpper(c.APIMethod) {
				return nil
			}
		}
		return fmt.Errorf("api_method %q is not supported", c.APIMethod)
	}
	return nil
}

func (c ScheduleTaskConfig) Validate() error {
	if strings.TrimSpace(c.TaskType) == "" {
		return fmt.Errorf("task_type is required")
	}
	if c.TaskDelayHours < 0 {
		return fmt.Errorf("task_delay_hours must not be negative")
	}
	return nil
}

// Method returns the upper-cased HTTP method, POST when unset.
func (c CallAPIConfig) Method() string {
	if c.APIMethod == "" {
		return "POST"
	}
	return strings.ToUpper(c.APIMethod)
}

// Priority returns the upper-cased priority, NORMAL when unset.
func (c CreateNotificationConfig) Priority() string {
	if c.NotificationPriority == "" {
		return "NORMAL"
	}
	return strings.ToUpper(c.NotificationPriority)
}

// Recipients returns the configured recipients, the applicant when unset.
func (c CreateNotificationConfig) Recipients() []string {
	if r := cleanSet(c.NotificationRecipients); len(r) > 0 {
		return r
	}
	return []string{"applicant"}
}

// DecodeActionConfig turns the loosely typed config object sent by clients into
// the variant for actionType. Unknown keys are rejected.
func DecodeActionConfig(actionType ActionType, raw map[string]interface{}) (ActionConfig, error) {
	var target ActionConfig
	switch actionType {
	case ActionStatusChange:
		target = &StatusChangeConfig{}
	case ActionSendEmail:
		target = &SendEmailConfig{}
	case ActionSendSMS:
		target = &SendSMSConfig{}
	case ActionCreateNotification:
		target = &CreateNotificationConfig{}
	case ActionUpdateField:
		target = &UpdateFieldConfig{}
	case ActionCallAPI:
		target = &CallAPIConfig{}
	case ActionScheduleTask:
		target = &ScheduleTaskConfig{}
	default:
		return nil, fmt.Errorf("unsupported action type %q", actionType)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("%s config: %w", actionType, err)
	}
	return deref(target), nil
}

func deref(c ActionConfig) ActionConfig {
	switch v := c.(type) {
	case *StatusChangeConfig:
		return *v
	case *SendEmailConfig:
		return *v
	case *SendSMSConfig:
		return *v
	case *CreateNotificationConfig:
		return *v
	case *UpdateFieldConfig:
		return *v
	case *CallAPIConfig:
		return *v
	case *ScheduleTaskConfig:
		return *v
	}
	return c
}

// Action 规则中的一个有序步骤
type Action struct {
	ActionType ActionType   `json:"action_type"`
	Config     ActionConfig `json:"config"`
	Order      int          `json:"order"`
	IsEnabled  bool         `json:"is_enabled"`
}

type actionWire struct {
	ActionType ActionType             `json:"action_type" yaml:"action_type"`
	Config     map[string]interface{} `json:"config" yaml:"config"`
	Order      int                    `json:"order" yaml:"order"`
	IsEnabled  *bool                  `json:"is_enabled" yaml:"is_enabled,omitempty"`
}

func (a *Action) fromWire(w actionWire) error {
	if w.Config == nil {
		w.Config = map[string]interface{}{}
	}
	cfg, err := DecodeActionConfig(w.ActionType, w.Config)
	if err != nil {
		return err
	}
	a.ActionType = w.ActionType
	a.Config = cfg
	a.Order = w.Order
	a.IsEnabled = w.IsEnabled == nil || *w.IsEnabled
	return nil
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var w actionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	return a.fromWire(w)
}

func (a *Action) UnmarshalYAML(node *yaml.Node) error {
	var w actionWire
	if err := node.Decode(&w); err != nil {
		return err
	}
	return a.fromWire(w)
}

func (a Action) MarshalYAML() (interface{}, error) {
	raw, err := json.Marshal(a.Config)
	if err != nil {
		return nil, err
	}
	cfg := map[string]interface{}{}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	enabled := a.IsEnabled
	return actionWire{ActionType: a.ActionType, Config: cfg, Order: a.Order, IsEnabled: &enabled}, nil
}

// EnabledActions returns the enabled actions sorted by order.
func EnabledActions(actions []Action) []Action {
	out := make([]Action, 0, len(actions))
	for _, a := range actions {
		if a.IsEnabled {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// RenumberActions sorts actions by their current order and rewrites order as 1..n.
func RenumberActions(actions []Action) []Action {
	out := make([]Action, len(actions))
	copy(out, actions)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	for i := range out {
		out[i].Order = i + 1
	}
	return out
}
