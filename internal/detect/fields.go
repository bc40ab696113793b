package detect

import (
	"fmt"
	"sort"
	"strings"

	"github.com/couchcryptid/storm-tracker/internal/domain"
	"github.com/couchcryptid/storm-tracker/internal/engine"
)

var modelFields = map[string]engine.Fields{
	"IFS": {
		Pressure:        "msl",
		U10:             "10u",
		V10:             "10v",
		Geopotential300: "z_300",
		Geopotential500: "z_500",
		Orography:       "orog",
	},
	"ERA5": {
		Pressure:        "msl",
		U10:             "u10",
		V10:             "v10",
		Geopotential300: "z_300",
		Geopotential500: "z_500",
		Orography:       "z_sfc",
	},
	"ICON": {
		Pressure:        "psl",
		U10:             "uas",
		V10:             "vas",
		Geopotential300: "zg_300",
		Geopotential500: "zg_500",
		Orography:       "orog",
	},
	"IFS-NEMO": {
		Pressure:        "msl",
		U10:             "10u",
		V10:             "10v",
		Geopotential300: "z_300",
		Geopotential500: "z_500",
		Orography:       "orog",
	},
	"IFS-FESOM": {
		Pressure:        "msl",
		U10:             "10u",
		V10:             "10v",
		Geopotential300: "z_300",
		Geopotential500: "z_500",
		Orography:       "orog",
	},
}

// FieldsFor returns the snapshot variable names used for model.
func FieldsFor(model string) (engine.Fields, error) {
	f, ok := modelFields[strings.ToUpper(model)]
	if !ok {
		return engine.Fields{}, fmt.Errorf("%w: %q (known: %s)", domain.ErrUnknownModel, model, strings.Join(Models(), ", "))
	}
	return f, nil
}

// Models lists the supported model names.
func Models() []string {
	names := make([]string, 0, len(modelFields))
	for name := range modelFields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
