package stage

import (
	"fmt"
	"strings"

	"schemaflow/internal/domain"
)

// Validate is the deterministic structural check of a schema design. No
// model call; it runs between design and review and gates review on
// validity. All violations are collected rather than failing fast, so a
// caller can correct everything in one pass.
func Validate(design domain.SchemaDesign) domain.ValidationResult {
	var issues []string

	// Only absence is a violation; a present-but-empty rationale list
	// counts as provided.
	if design.DesignRationale == nil {
		issues = append(issues, "Missing required field: design_rationale")
	}
	if design.NormalizationLevel != "3NF" {
		issues = append(issues, "Schema is not explicitly marked as 3NF")
	}
	if len(design.Tables) == 0 {
		issues = append(issues, "No tables defined")
	} else {
		for i, table := range design.Tables {
			name := table.Name
			if name == "" {
				issues = append(issues, fmt.Sprintf("Table %d is missing a name", i+1))
				name = fmt.Sprintf("%d", i+1)
			}
			if len(table.Columns) == 0 {
				issues = append(issues, fmt.Sprintf("Table '%s' has no columns defined", name))
				continue
			}
			for j, col := range table.Columns {
				if col.Name == "" {
					issues = append(issues, fmt.Sprintf("Column %d in table '%s' is missing a name", j+1, name))
				}
				if col.Type == "" {
					colName := col.Name
					if colName == "" {
						colName = fmt.Sprintf("%d", j+1)
					}
					issues = append(issues, fmt.Sprintf("Column '%s' in table '%s' is missing a type", colName, name))
				}
			}
		}
	}
	if strings.TrimSpace(design.SQLSchema) == "" {
		issues = append(issues, "SQL schema is empty")
	}

	return domain.ValidationResult{IsValid: len(issues) == 0, Issues: issues}
}
