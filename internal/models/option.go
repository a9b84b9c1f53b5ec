package models

// OptionModel is a key/value row for operator-tunable settings.
type OptionModel struct {
	Base
	Name  string `json:"name"  gorm:"size:64;not null;uniqueIndex"`
	Value string `json:"value" gorm:"type:text"`
}

func (OptionModel) TableName() string {
	return "options"
}
