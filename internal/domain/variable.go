package domain

// CommonVariable is a unit-normalized measurement kind shared across agencies.
type CommonVariable string

const (
	StreamflowCFS        CommonVariable = "STREAMFLOW_CFS"
	GaugeHeightFT        CommonVariable = "GAUGE_HEIGHT_FT"
	GaugeDepthFT         CommonVariable = "GAUGE_DEPTH_FT"
	WaterTempC           CommonVariable = "WATERTEMP_C"
	ReservoirStorageAF   CommonVariable = "RES_STORAGE_AF"
	ReservoirElevationFT CommonVariable = "RES_ELEVATION_FT"
	PrecipitationIN      CommonVariable = "PRECIPITATION_IN"
)

type commonVariableInfo struct {
	unit             string
	graphAgainstZero bool
}

var commonVariables = map[CommonVariable]commonVariableInfo{
	StreamflowCFS:        {unit: "cfs", graphAgainstZero: true},
	GaugeHeightFT:        {unit: "ft"},
	GaugeDepthFT:         {unit: "ft", graphAgainstZero: true},
	WaterTempC:           {unit: "°C"},
	ReservoirStorageAF:   {unit: "af", graphAgainstZero: true},
	ReservoirElevationFT: {unit: "ft"},
	PrecipitationIN:      {unit: "in", graphAgainstZero: true},
}

// Unit returns the canonical display unit, or "" for an unknown variable.
func (c CommonVariable) Unit() string {
	return commonVariables[c].unit
}

// GraphAgainstZero reports whether charts of this variable should use a zero
// baseline rather than fitting the axis to the data range.
func (c CommonVariable) GraphAgainstZero() bool {
	return commonVariables[c].graphAgainstZero
}

// Valid reports whether c is a known canonical variable.
func (c CommonVariable) Valid() bool {
	_, ok := commonVariables[c]
	return ok
}

// Variable is one agency-native measurement type.
type Variable struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Common CommonVariable `json:"common_variable"`

	// MagicNullValue is the sentinel the agency writes in place of a missing
	// value. Nil when the agency has none.
	MagicNullValue *float64 `json:"-"`
}

// NewVariable builds a Variable with a magic null sentinel.
func NewVariable(common CommonVariable, id, name string, magicNull float64) Variable {
	return Variable{ID: id, Name: name, Common: common, MagicNullValue: &magicNull}
}

// IsMagicNull reports whether v is exactly the variable's null sentinel.
func (v Variable) IsMagicNull(value float64) bool {
	return v.MagicNullValue != nil && *v.MagicNullValue == value
}

// FindVariable returns the variable in vars whose ID equals id.
func FindVariable(vars []Variable, id string) (Variable, bool) {
	for _, v := range vars {
		if v.ID == id {
			return v, true
		}
	}
	return Variable{}, false
}

// FindCommonVariable returns the first variable in vars mapped onto common.
func FindCommonVariable(vars []Variable, common CommonVariable) (Variable, bool) {
	for _, v := range vars {
		if v.Common == common {
			return v, true
		}
	}
	return Variable{}, false
}
