// pkg/model/metadata.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// DatasetMetadata is the statistics snapshot of a dataset (one per dataset)
type DatasetMetadata struct {
	DatasetID   uuid.UUID `json:"dataset_id"`
	Columns     []string  `json:"columns"`
	ColumnCount int       `json:"column_count"`

	Scores QualityScores `json:"scores"`

	NullCounts      map[string]int     `json:"null_counts"`
	NullPercentages map[string]float64 `json:"null_percentages"`
	DataTypes       map[string]string  `json:"data_types"`
	TypeViolations  map[string]int     `json:"type_violations"`
	UniqueCounts    map[string]int     `json:"unique_counts"`

	// Distributions holds the most frequent values per categorical column
	Distributions map[string][]ValueCount `json:"value_distributions"`
	NumericStats  map[string]NumericStats `json:"numeric_stats"`
	DateRange     *DateRange              `json:"date_range,omitempty"`

	// CleaningSummary counts cleaning actions by action name
	CleaningSummary map[string]int `json:"cleaning_summary"`

	File FileInfo `json:"file"`

	ComputedAt time.Time `json:"computed_at"`
}

// QualityScores holds the four 0-100 quality dimensions and their mean
type QualityScores struct {
	Completeness float64 `json:"completeness"`
	Validity     float64 `json:"validity"`
	Consistency  float64 `json:"consistency"`
	Accuracy     float64 `json:"accuracy"`
	Overall      float64 `json:"overall"`
}

type ValueCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

type NumericStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"std_dev"`
}

type DateRange struct {
	Earliest time.Time `json:"earliest"`
	Latest   time.Time `json:"latest"`
}

// FileInfo is the provenance of the ingested source
type FileInfo struct {
	SizeBytes int64  `json:"size_bytes"`
	Format    string `json:"format"`
	Encoding  string `json:"encoding"`
}
