package types

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
)

// Variant is the execution kind a job declares
type Variant int

const (
	VariantCommand     Variant = 1
	VariantClassMethod Variant = 2
	VariantURL         Variant = 3
	VariantShell       Variant = 4
	VariantEval        Variant = 5
)

var variantNames = map[Variant]string{
	VariantCommand:     "command",
	VariantClassMethod: "class",
	VariantURL:         "url",
	VariantShell:       "shell",
	VariantEval:        "eval",
}

func (v Variant) String() string {
	if name, ok := variantNames[v]; ok {
		return name
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

func (v Variant) Valid() bool {
	_, ok := variantNames[v]
	return ok
}

// ParseVariant accepts either the numeric tag or the variant name.
func ParseVariant(s string) (Variant, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for v, name := range variantNames {
		if name == s || fmt.Sprint(int(v)) == s {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown variant %q", s)
}

type Status int

const (
	StatusDisabled Status = 0
	StatusEnabled  Status = 1
)

// JobDefinition represents a persisted scheduled job
type JobDefinition struct {
	ID              int64   `json:"id" gorm:"primaryKey;autoIncrement"`
	Title           string  `json:"title" gorm:"size:100;not null;default:''"`
	Type            Variant `json:"type" gorm:"not null;default:1"`
	Rule            string  `json:"rule" gorm:"size:100;not null;default:''"`
	Target          string  `json:"target" gorm:"size:1000;not null;default:''"`
	Parameter       string  `json:"parameter" gorm:"type:text"`
	RunningTimes    int64   `json:"running_times" gorm:"not null;default:0"`
	LastRunningTime int64   `json:"last_running_time" gorm:"not null;default:0"`
	Remark          string  `json:"remark" gorm:"size:255;not null;default:''"`
	Sort            int     `json:"sort" gorm:"not null;default:0;index"`
	Status          Status  `json:"status" gorm:"not null;default:0;index"`
	Singleton       bool    `json:"singleton" gorm:"not null;default:false"`
	CreateTime      int64   `json:"create_time" gorm:"autoCreateTime"`
	UpdateTime      int64   `json:"update_time" gorm:"autoUpdateTime"`
}

func (j *JobDefinition) Enabled() bool {
	return j.Status == StatusEnabled
}

// LockKey is shared by every definition with the same title and rule.
func (j *JobDefinition) LockKey() string {
	sum := sha1.Sum([]byte(j.Title + j.Rule))
	return hex.EncodeToString(sum[:])
}

// JobPatch carries a full or partial definition from a control request
type JobPatch struct {
	Title     *string  `json:"title,omitempty" yaml:"title"`
	Type      *Variant `json:"type,omitempty" yaml:"type"`
	Rule      *string  `json:"rule,omitempty" yaml:"rule"`
	Target    *string  `json:"target,omitempty" yaml:"target"`
	Parameter *string  `json:"parameter,omitempty" yaml:"parameter"`
	Remark    *string  `json:"remark,omitempty" yaml:"remark"`
	Sort      *int     `json:"sort,omitempty" yaml:"sort"`
	Status    *Status  `json:"status,omitempty" yaml:"status"`
	Singleton *bool    `json:"singleton,omitempty" yaml:"singleton"`
}

// Apply copies every set field onto def.
func (p *JobPatch) Apply(def *JobDefinition) {
	if p.Title != nil {
		def.Title = *p.Title
	}
	if p.Type != nil {
		def.Type = *p.Type
	}
	if p.Rule != nil {
		def.Rule = *p.Rule
	}
	if p.Target != nil {
		def.Target = *p.Target
	}
	if p.Parameter != nil {
		def.Parameter = *p.Parameter
	}
	if p.Remark != nil {
		def.Remark = *p.Remark
	}
	if p.Sort != nil {
		def.Sort = *p.Sort
	}
	if p.Status != nil {
		def.Status = *p.Status
	}
	if p.Singleton != nil {
		def.Singleton = *p.Singleton
	}
}

// Columns returns the column updates for a partial UPDATE.
func (p *JobPatch) Columns() map[string]any {
	cols := make(map[string]any)
	if p.Title != nil {
		cols["title"] = *p.Title
	}
	if p.Type != nil {
		cols["type"] = *p.Type
	}
	if p.Rule != nil {
		cols["rule"] = *p.Rule
	}
	if p.Target != nil {
		cols["target"] = *p.Target
	}
	if p.Parameter != nil {
		cols["parameter"] = *p.Parameter
	}
	if p.Remark != nil {
		cols["remark"] = *p.Remark
	}
	if p.Sort != nil {
		cols["sort"] = *p.Sort
	}
	if p.Status != nil {
		cols["status"] = *p.Status
	}
	if p.Singleton != nil {
		cols["singleton"] = *p.Singleton
	}
	return cols
}

// RunLogEntry is one completed execution
type RunLogEntry struct {
	ID          int64   `json:"id" gorm:"primaryKey;autoIncrement"`
	CrontabID   int64   `json:"crontab_id" gorm:"not null;index"`
	Target      string  `json:"target" gorm:"size:1000;not null;default:''"`
	Parameter   string  `json:"parameter" gorm:"type:text"`
	Exception   string  `json:"exception" gorm:"type:text"`
	ReturnCode  int     `json:"return_code" gorm:"not null;default:0"`
	RunningTime float64 `json:"running_time" gorm:"not null;default:0"`
	CreateTime  int64   `json:"create_time" gorm:"autoCreateTime"`
	UpdateTime  int64   `json:"update_time" gorm:"autoUpdateTime"`
}

// JobConfig represents the scheduler process configuration
type JobConfig struct {
	Count           int  `json:"count" yaml:"count"`
	RunInBackground bool `json:"run_in_background" yaml:"run_in_background"`
	WriteLog        bool `json:"write_log" yaml:"write_log"`
}
