// Package cvss computes CVSS base scores from colon/slash severity
// vectors. Standalone and grounded directly on the published CVSSv2 and
// CVSSv3.x formulas (the GLOSSARY entry for "CVSS base v2" points
// implementers at "a published algorithm" rather than a teacher file —
// no repo in the example pack computes CVSS itself).
package cvss

import (
	"fmt"
	"math"
	"strings"
)

// BaseScoreV2 computes the CVSS v2 base score from a vector of the form
// "AV:N/AC:L/Au:N/C:P/I:P/A:P". Returns an error if the vector is malformed
// or omits a required metric.
func BaseScoreV2(vector string) (float64, error) {
	m, err := parseVector(vector)
	if err != nil {
		return 0, err
	}

	av, err := metric(m, "AV", map[string]float64{"L": 0.395, "A": 0.646, "N": 1.0})
	if err != nil {
		return 0, err
	}
	ac, err := metric(m, "AC", map[string]float64{"H": 0.35, "M": 0.61, "L": 0.71})
	if err != nil {
		return 0, err
	}
	au, err := metric(m, "Au", map[string]float64{"M": 0.45, "S": 0.56, "N": 0.704})
	if err != nil {
		return 0, err
	}
	c, err := metric(m, "C", map[string]float64{"N": 0.0, "P": 0.275, "C": 0.660})
	if err != nil {
		return 0, err
	}
	i, err := metric(m, "I", map[string]float64{"N": 0.0, "P": 0.275, "C": 0.660})
	if err != nil {
		return 0, err
	}
	a, err := metric(m, "A", map[string]float64{"N": 0.0, "P": 0.275, "C": 0.660})
	if err != nil {
		return 0, err
	}

	impact := 10.41 * (1 - (1-c)*(1-i)*(1-a))
	exploitability := 20 * av * ac * au
	var fImpact float64
	if impact == 0 {
		fImpact = 0
	} else {
		fImpact = 1.176
	}

	baseScore := ((0.6 * impact) + (0.4 * exploitability) - 1.5) * fImpact
	return round1(baseScore), nil
}

// BaseScoreV3 computes the CVSS v3.x base score from a vector of the form
// "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H". The "CVSS:3.x" prefix, if
// present, is ignored. Scope ("S") selects between the unchanged and
// changed impact/score formulas per the published v3.1 specification.
func BaseScoreV3(vector string) (float64, error) {
	vector = stripV3Prefix(vector)
	m, err := parseVector(vector)
	if err != nil {
		return 0, err
	}

	av, err := metric(m, "AV", map[string]float64{"N": 0.85, "A": 0.62, "L": 0.55, "P": 0.2})
	if err != nil {
		return 0, err
	}
	ac, err := metric(m, "AC", map[string]float64{"L": 0.77, "H": 0.44})
	if err != nil {
		return 0, err
	}
	scope, err := rawMetric(m, "S")
	if err != nil {
		return 0, err
	}
	changed := scope == "C"

	prValues := map[string]float64{"N": 0.85, "L": 0.62, "H": 0.27}
	if changed {
		prValues = map[string]float64{"N": 0.85, "L": 0.68, "H": 0.5}
	}
	pr, err := metric(m, "PR", prValues)
	if err != nil {
		return 0, err
	}
	ui, err := metric(m, "UI", map[string]float64{"N": 0.85, "R": 0.62})
	if err != nil {
		return 0, err
	}
	c, err := metric(m, "C", map[string]float64{"N": 0.0, "L": 0.22, "H": 0.56})
	if err != nil {
		return 0, err
	}
	i, err := metric(m, "I", map[string]float64{"N": 0.0, "L": 0.22, "H": 0.56})
	if err != nil {
		return 0, err
	}
	a, err := metric(m, "A", map[string]float64{"N": 0.0, "L": 0.22, "H": 0.56})
	if err != nil {
		return 0, err
	}

	iscBase := 1 - (1-c)*(1-i)*(1-a)
	var impact float64
	if changed {
		impact = 7.52*(iscBase-0.029) - 3.25*math.Pow(iscBase-0.02, 15)
	} else {
		impact = 6.42 * iscBase
	}
	if impact <= 0 {
		return 0, nil
	}

	exploitability := 8.22 * av * ac * pr * ui

	var base float64
	if changed {
		base = math.Min(1.08*(impact+exploitability), 10)
	} else {
		base = math.Min(impact+exploitability, 10)
	}
	return roundUp1(base), nil
}

// parseVector splits a "Metric:Value/Metric:Value" string into a lookup map.
func parseVector(vector string) (map[string]string, error) {
	m := make(map[string]string)
	for _, part := range strings.Split(vector, "/") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("cvss: malformed vector component %q", part)
		}
		m[kv[0]] = kv[1]
	}
	return m, nil
}

func rawMetric(m map[string]string, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("cvss: vector missing required metric %q", key)
	}
	return v, nil
}

func metric(m map[string]string, key string, values map[string]float64) (float64, error) {
	v, err := rawMetric(m, key)
	if err != nil {
		return 0, err
	}
	weight, ok := values[v]
	if !ok {
		return 0, fmt.Errorf("cvss: unrecognised value %q for metric %q", v, key)
	}
	return weight, nil
}

func stripV3Prefix(vector string) string {
	for _, prefix := range []string{"CVSS:3.1/", "CVSS:3.0/"} {
		if strings.HasPrefix(vector, prefix) {
			return strings.TrimPrefix(vector, prefix)
		}
	}
	return vector
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// roundUp1 implements CVSS v3's "round up" rule: the smallest number of one
// decimal place that is >= the input, per the published specification's
// Roundup function.
func roundUp1(v float64) float64 {
	intInput := math.Round(v * 100000)
	if math.Mod(intInput, 10000) == 0 {
		return intInput / 100000
	}
	return (math.Floor(intInput/10000) + 1) / 10
}
