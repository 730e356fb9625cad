package domain

// SuiteSchedule starts a suite run on a 5-field cron expression
// ("minute hour day month weekday").
type SuiteSchedule struct {
	SuiteID     string `json:"suite_id" yaml:"suite_id"`
	Cron        string `json:"cron" yaml:"cron"`
	Concurrency int    `json:"concurrency,omitempty" yaml:"concurrency"`
	Limit       int    `json:"limit,omitempty" yaml:"limit"`
}
