package clinical

// LOINC codes for the vital signs the dashboard inspects.
const (
	CodeHeartRate   = "8867-4"
	CodeSpO2        = "59408-5"
	CodeSpO2Alt     = "2708-6" // older oximetry code still seen upstream
	CodeRespRate    = "9279-1"
	CodeBodyTemp    = "8310-5"
	CodeSystolicBP  = "8480-6"
	CodeDiastolicBP = "8462-4"
	CodePainScore   = "72514-3"
)

var vitalCodes = map[string]bool{
	CodeHeartRate:   true,
	CodeSpO2:        true,
	CodeSpO2Alt:     true,
	CodeRespRate:    true,
	CodeBodyTemp:    true,
	CodeSystolicBP:  true,
	CodeDiastolicBP: true,
	CodePainScore:   true,
}

// IsVitalCode reports whether a LOINC code is one of the tracked vital signs.
func IsVitalCode(code string) bool {
	return vitalCodes[code]
}

// AbnormalVital reports whether a vital-sign value falls outside its safe
// band. Unknown codes and nil values are never abnormal.
func AbnormalVital(code string, value *float64) bool {
	if value == nil {
		return false
	}
	v := *value
	switch code {
	case CodeSpO2, CodeSpO2Alt:
		return v < 92
	case CodeHeartRate:
		return v < 50 || v > 110
	case CodeRespRate:
		return v < 10 || v > 24
	case CodeBodyTemp:
		return v < 35.0 || v > 38.3
	case CodeSystolicBP:
		return v < 90 || v > 180
	case CodeDiastolicBP:
		return v < 50 || v > 110
	case CodePainScore:
		return v >= 8
	default:
		return false
	}
}

// Vitals is the latest-value-per-code view of one patient's observations.
type Vitals map[string]float64

// LatestVitals reduces a patient's observations to the most recent numeric
// value per vital code. Observations without a value or effective time sort
// last and never displace a timestamped reading.
func LatestVitals(obs []Observation) Vitals {
	type stamped struct {
		value float64
		ts    int64
	}
	best := make(map[string]stamped)
	for _, o := range obs {
		if !IsVitalCode(o.Code) || o.Value == nil {
			continue
		}
		var ts int64
		if o.EffectiveTime != nil {
			ts = o.EffectiveTime.UnixNano()
		}
		if cur, ok := best[o.Code]; !ok || ts >= cur.ts {
			best[o.Code] = stamped{value: *o.Value, ts: ts}
		}
	}
	v := make(Vitals, len(best))
	for code, s := range best {
		v[code] = s.value
	}
	return v
}
