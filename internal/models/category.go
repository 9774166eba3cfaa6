package models

type Category struct {
	Key                  string `json:"key" yaml:"key"`
	Label                string `json:"label" yaml:"label"`
	Prefix               string `json:"prefix" yaml:"prefix"`
	Color                string `json:"color" yaml:"color"`
	Department           string `json:"department,omitempty" yaml:"department"`
	RequiresDepartment   bool   `json:"requires_department" yaml:"requires_department"`
	RequiresConfirmation bool   `json:"requires_confirmation" yaml:"requires_confirmation"`
}
