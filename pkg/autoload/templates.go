package autoload

import (
	"github.com/caravanhq/caravan/pkg/configstore"
	"github.com/caravanhq/caravan/pkg/types"
)

// StoreTemplates adapts the journey config store to TemplateSource. When a
// company has several stored configs the newest one wins.
type StoreTemplates struct {
	Store *configstore.Store
}

func (s StoreTemplates) TemplateFor(companyName string) (types.JourneySpec, bool) {
	for _, cfg := range s.Store.List() {
		if cfg.CompanyName == companyName {
			return cfg.Spec(), true
		}
	}
	return types.JourneySpec{}, false
}

// GenericTemplate is the journey driven for a company that has live
// services but no saved configuration.
func GenericTemplate(companyName string) types.JourneySpec {
	return types.JourneySpec{
		JourneyID:   "autoload-" + types.SanitizeName(companyName),
		CompanyName: companyName,
		Steps: []types.StepSpec{
			{StepIndex: 0, StepName: "Browse"},
			{StepIndex: 1, StepName: "Checkout"},
			{StepIndex: 2, StepName: "Confirmation"},
		},
	}
}
