package ideas

import (
	"github.com/MarcoPoloResearchLab/dailydoom/internal/calendar"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/generator"
)

const (
	placeholderTitle     = "Error 404: Idea Not Found"
	placeholderPitch     = "A service that promises to find ideas but fails due to API errors."
	placeholderFatalFlaw = "Reliability is key."
	placeholderVerdict   = "Try refreshing."
)

// DailyIdea is the persisted row for one calendar date. The primary key on date is the
// only write-once guarantee; rows are never updated.
type DailyIdea struct {
	Date             string `gorm:"column:date;primaryKey;size:10;not null"`
	IssueNumber      int64  `gorm:"column:issue_number;not null;index:idx_daily_ideas_issue"`
	Seed             int64  `gorm:"column:seed;not null"`
	Title            string `gorm:"column:title;type:text;not null"`
	Pitch            string `gorm:"column:pitch;type:text;not null"`
	FatalFlaw        string `gorm:"column:fatal_flaw;type:text;not null"`
	Verdict          string `gorm:"column:verdict;type:text;not null"`
	Slug             string `gorm:"column:slug;size:190;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DailyIdea) TableName() string {
	return "daily_ideas"
}

// Record is the daily idea handed to callers.
type Record struct {
	Date        calendar.DateKey `json:"date"`
	IssueNumber int64            `json:"issueNumber"`
	Title       string           `json:"title"`
	Pitch       string           `json:"pitch"`
	FatalFlaw   string           `json:"fatalFlaw"`
	Verdict     string           `json:"verdict"`
	Slug        string           `json:"slug,omitempty"`
	// Cached is true when the record was served from storage rather than generated now.
	Cached bool `json:"cached"`
	// Placeholder marks the non-persisted stand-in served when generation failed.
	Placeholder bool `json:"placeholder,omitempty"`
}

// Placeholder returns the fixed stand-in record for date.
func Placeholder(date calendar.DateKey) Record {
	return Record{
		Date:        date,
		Title:       placeholderTitle,
		Pitch:       placeholderPitch,
		FatalFlaw:   placeholderFatalFlaw,
		Verdict:     placeholderVerdict,
		Placeholder: true,
	}
}

func recordFromModel(model DailyIdea) Record {
	return Record{
		Date:        calendar.DateKey(model.Date),
		IssueNumber: model.IssueNumber,
		Title:       model.Title,
		Pitch:       model.Pitch,
		FatalFlaw:   model.FatalFlaw,
		Verdict:     model.Verdict,
		Slug:        model.Slug,
		Cached:      true,
	}
}

func (record Record) previousIdea() *generator.PreviousIdea {
	return &generator.PreviousIdea{Title: record.Title, Pitch: record.Pitch}
}
