package sandbox

import (
	"fmt"
	"strings"

	"github.com/autoeda/chart-engine/internal/model"
)

// Built-in template charts: static SVG previews plus a minimal Vega-Lite v5
// specification with inline sample data. No user data is touched here.

func svgBar(title string) string {
	var bars strings.Builder
	for i, h := range []int{20, 60, 100, 50, 80} {
		fmt.Fprintf(&bars, `<rect x="%d" y="%d" width="20" height="%d" fill="#60a5fa" />`, 20+i*30, 100-h, h)
	}
	return fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="360" height="120" viewBox="0 0 360 120">`+
		`<text x="10" y="16" font-size="12" fill="#0f172a">%s</text>`+
		`<line x1="10" y1="100" x2="350" y2="100" stroke="#94a3b8" stroke-width="1" />%s</svg>`, title, bars.String())
}

func svgLine(title string) string {
	points := [][2]int{{20, 90}, {60, 60}, {100, 70}, {140, 40}, {180, 55}, {220, 30}, {260, 35}, {300, 25}}
	var path, circles strings.Builder
	for i, p := range points {
		if i == 0 {
			fmt.Fprintf(&path, "M %d %d", p[0], p[1])
		} else {
			fmt.Fprintf(&path, " L %d %d", p[0], p[1])
		}
		fmt.Fprintf(&circles, `<circle cx="%d" cy="%d" r="3" fill="#34d399" />`, p[0], p[1])
	}
	return fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="360" height="120" viewBox="0 0 360 120">`+
		`<text x="10" y="16" font-size="12" fill="#0f172a">%s</text>`+
		`<path d="%s" fill="none" stroke="#34d399" stroke-width="2" />%s</svg>`, title, path.String(), circles.String())
}

func svgScatter(title string) string {
	pts := [][2]int{{20, 80}, {50, 60}, {80, 70}, {110, 40}, {140, 55}, {170, 65}, {200, 45}, {230, 35}, {260, 75}}
	var circles strings.Builder
	for _, p := range pts {
		fmt.Fprintf(&circles, `<circle cx="%d" cy="%d" r="3" fill="#f97316" />`, p[0], p[1])
	}
	return fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="360" height="120" viewBox="0 0 360 120">`+
		`<text x="10" y="16" font-size="12" fill="#0f172a">%s</text>%s</svg>`, title, circles.String())
}

// vegaMark maps the chart kind to a Vega-Lite mark; scatter renders as point.
func vegaMark(kind model.ChartKind) string {
	if kind == model.ChartScatter {
		return "point"
	}
	return string(kind)
}

func vegaSpec(kind model.ChartKind, values []map[string]any) map[string]any {
	return map[string]any{
		"$schema": "https://vega.github.io/schema/vega-lite/v5.json",
		"mark":    vegaMark(kind),
		"data":    map[string]any{"name": "data"},
		"encoding": map[string]any{
			"x": map[string]any{"field": "x", "type": "quantitative"},
			"y": map[string]any{"field": "y", "type": "quantitative"},
		},
		"datasets":    map[string]any{"data": values},
		"description": fmt.Sprintf("template %s chart", kind),
	}
}

func sampleValues() []map[string]any {
	vals := make([]map[string]any, 0, 5)
	for i, v := range []int{1, 3, 2, 5, 4} {
		vals = append(vals, map[string]any{"x": i, "y": v})
	}
	return vals
}

// templateResult renders the built-in template bundle for a chart kind.
func templateResult(kind model.ChartKind, datasetID, engine, isolation string) model.ChartResult {
	var svg string
	switch kind {
	case model.ChartLine:
		svg = svgLine("Line (template)")
	case model.ChartScatter:
		svg = svgScatter("Scatter (template)")
	default:
		svg = svgBar("Bar (template)")
	}

	seed := int64(42)
	code := fmt.Sprintf("# template-only preview\nimport json\nspec = {'mark': '%s', 'data': {'values': [{'x': 0, 'y': 1}]}}\nprint(json.dumps(spec))\n", vegaMark(kind))

	return model.ChartResult{
		Language: "python",
		Library:  "vega",
		Code:     code,
		Seed:     &seed,
		Meta: map[string]any{
			"dataset_id": datasetID,
			"hint":       string(kind),
			"engine":     engine,
			"sandbox":    isolation,
		},
		Outputs: []model.ChartOutput{
			{Type: "image", MIME: "image/svg+xml", Content: svg},
			{Type: "vega", MIME: "application/json", Content: vegaSpec(kind, sampleValues())},
		},
	}
}
