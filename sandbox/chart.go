package sandbox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/dop251/goja"
	chart "github.com/wcharczuk/go-chart/v2"
)

const (
	chartWidth     = 800
	chartHeight    = 480
	maxChartPoints = 10000
	defaultBins    = 10
	maxBins        = 200
)

func (rt *runtime) chartExports() *goja.Object {
	m := rt.vm.NewObject()
	_ = m.Set("bar", rt.barChart)
	_ = m.Set("pie", rt.pieChart)
	_ = m.Set("line", rt.lineChart)
	_ = m.Set("hist", rt.histChart)
	return m
}

// bar(title, labels, values)
func (rt *runtime) barChart(call goja.FunctionCall) goja.Value {
	title := optionalString(call.Argument(0))
	labels := rt.stringsArg(call.Argument(1), "labels")
	values := rt.numbersArg(call.Argument(2), "values")
	if len(labels) != len(values) {
		panic(rt.vm.NewTypeError("chart.bar: %d labels for %d values", len(labels), len(values)))
	}

	bars := make([]chart.Value, len(values))
	for i := range values {
		bars[i] = chart.Value{Label: labels[i], Value: values[i]}
	}
	return rt.addChart(title, func(w io.Writer) error {
		return barGraph(title, bars).Render(chart.PNG, w)
	})
}

// pie(title, labels, values)
func (rt *runtime) pieChart(call goja.FunctionCall) goja.Value {
	title := optionalString(call.Argument(0))
	labels := rt.stringsArg(call.Argument(1), "labels")
	values := rt.numbersArg(call.Argument(2), "values")
	if len(labels) != len(values) {
		panic(rt.vm.NewTypeError("chart.pie: %d labels for %d values", len(labels), len(values)))
	}

	var total float64
	slices := make([]chart.Value, len(values))
	for i, v := range values {
		if v < 0 {
			panic(rt.vm.NewTypeError("chart.pie: values must not be negative"))
		}
		total += v
		slices[i] = chart.Value{Label: labels[i], Value: v}
	}
	if total == 0 {
		panic(rt.vm.NewTypeError("chart.pie: values sum to zero"))
	}

	return rt.addChart(title, func(w io.Writer) error {
		return chart.PieChart{
			Title:  title,
			Width:  chartHeight,
			Height: chartHeight,
			Values: slices,
		}.Render(chart.PNG, w)
	})
}

// line(title, xs, ys)
func (rt *runtime) lineChart(call goja.FunctionCall) goja.Value {
	title := optionalString(call.Argument(0))
	xs := rt.numbersArg(call.Argument(1), "xs")
	ys := rt.numbersArg(call.Argument(2), "ys")
	if len(xs) != len(ys) {
		panic(rt.vm.NewTypeError("chart.line: %d xs for %d ys", len(xs), len(ys)))
	}
	if len(xs) < 2 {
		panic(rt.vm.NewTypeError("chart.line: at least two points are required"))
	}

	return rt.addChart(title, func(w io.Writer) error {
		return chart.Chart{
			Title:  title,
			Width:  chartWidth,
			Height: chartHeight,
			YAxis:  chart.YAxis{Range: valueRange(ys, false)},
			Series: []chart.Series{
				chart.ContinuousSeries{Name: title, XValues: xs, YValues: ys},
			},
		}.Render(chart.PNG, w)
	})
}

// hist(title, values, bins?)
func (rt *runtime) histChart(call goja.FunctionCall) goja.Value {
	title := optionalString(call.Argument(0))
	values := rt.numbersArg(call.Argument(1), "values")
	bins := defaultBins
	if arg := call.Argument(2); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
		bins = int(arg.ToInteger())
	}
	if bins < 1 || bins > maxBins {
		panic(rt.vm.NewTypeError("chart.hist: bins must be between 1 and %d", maxBins))
	}

	bars := histogram(values, bins)
	return rt.addChart(title, func(w io.Writer) error {
		return barGraph(title, bars).Render(chart.PNG, w)
	})
}

func barGraph(title string, bars []chart.Value) chart.BarChart {
	values := make([]float64, len(bars))
	for i, b := range bars {
		values[i] = b.Value
	}
	return chart.BarChart{
		Title:  title,
		Width:  chartWidth,
		Height: chartHeight,
		YAxis:  chart.YAxis{Range: valueRange(values, true)},
		Bars:   bars,
	}
}

// valueRange pads a degenerate range so the renderer never divides by zero.
func valueRange(values []float64, fromZero bool) *chart.ContinuousRange {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if fromZero {
		lo = math.Min(lo, 0)
		hi = math.Max(hi, 0)
	}
	if hi-lo == 0 {
		hi = lo + 1
	}
	return &chart.ContinuousRange{Min: lo, Max: hi}
}

func histogram(values []float64, bins int) []chart.Value {
	lo, hi := values[0], values[0]
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	width := (hi - lo) / float64(bins)
	if width == 0 {
		width = 1
	}

	counts := make([]float64, bins)
	for _, v := range values {
		idx := int((v - lo) / width)
		if idx >= bins {
			idx = bins - 1
		}
		counts[idx]++
	}

	out := make([]chart.Value, bins)
	for i := range counts {
		from := lo + width*float64(i)
		out[i] = chart.Value{
			Label: fmt.Sprintf("%.4g-%.4g", from, from+width),
			Value: counts[i],
		}
	}
	return out
}

// addChart enforces the artifact limits around a render. Crossing either
// limit interrupts the script; render errors are thrown as TypeErrors.
func (rt *runtime) addChart(title string, render func(io.Writer) error) goja.Value {
	if len(rt.charts) >= rt.policy.MaxArtifacts() {
		rt.vm.Interrupt(&Breach{
			Kind:   BreachArtifactCount,
			Detail: fmt.Sprintf("more than %d charts", rt.policy.MaxArtifacts()),
		})
		return goja.Undefined()
	}

	var buf bytes.Buffer
	if err := safeRender(render, &buf); err != nil {
		panic(rt.vm.NewTypeError("chart: %s", err.Error()))
	}
	if buf.Len() > rt.policy.MaxArtifactBytes() {
		rt.vm.Interrupt(&Breach{
			Kind:   BreachMemoryOrOutput,
			Detail: fmt.Sprintf("chart image of %d bytes exceeds %d", buf.Len(), rt.policy.MaxArtifactBytes()),
		})
		return goja.Undefined()
	}

	name := rt.chartName(title)
	rt.charts = append(rt.charts, Chart{Name: name, Format: "png", Data: buf.Bytes()})
	return rt.vm.ToValue(name)
}

func safeRender(render func(io.Writer) error, w io.Writer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("data cannot be drawn")
		}
	}()
	return render(w)
}

// MaxChartNameBytes bounds the name a chart is reported under.
const MaxChartNameBytes = 200

func (rt *runtime) chartName(title string) string {
	base := TruncateUTF8(title, MaxChartNameBytes)
	if base == "" {
		base = fmt.Sprintf("chart_%d", len(rt.charts)+1)
	}
	name := base
	for n := 2; rt.hasChart(name); n++ {
		name = fmt.Sprintf("%s (%d)", base, n)
	}
	return name
}

func (rt *runtime) hasChart(name string) bool {
	for _, c := range rt.charts {
		if c.Name == name {
			return true
		}
	}
	return false
}

func optionalString(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func (rt *runtime) stringsArg(v goja.Value, what string) []string {
	arr := rt.arrayArg(v, what)
	out := make([]string, len(arr))
	for i, item := range arr {
		out[i] = optionalString(item)
	}
	return out
}

func (rt *runtime) numbersArg(v goja.Value, what string) []float64 {
	arr := rt.arrayArg(v, what)
	out := make([]float64, len(arr))
	for i, item := range arr {
		f := item.ToFloat()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			panic(rt.vm.NewTypeError("chart: %s[%d] is not a finite number", what, i))
		}
		out[i] = f
	}
	return out
}

func (rt *runtime) arrayArg(v goja.Value, what string) []goja.Value {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		panic(rt.vm.NewTypeError("chart: %s must be an array", what))
	}
	obj := v.ToObject(rt.vm)
	if obj.ClassName() != "Array" {
		panic(rt.vm.NewTypeError("chart: %s must be an array", what))
	}
	n := obj.Get("length").ToInteger()
	if n == 0 {
		panic(rt.vm.NewTypeError("chart: %s must not be empty", what))
	}
	if n > maxChartPoints {
		panic(rt.vm.NewTypeError("chart: %s has more than %d entries", what, maxChartPoints))
	}
	out := make([]goja.Value, n)
	for i := int64(0); i < n; i++ {
		item := obj.Get(fmt.Sprint(i))
		if item == nil {
			item = goja.Undefined()
		}
		out[i] = item
	}
	return out
}
