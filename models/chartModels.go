package models

import "time"

// DashboardView is everything the page needs for one refresh.
type DashboardView struct {
	Selection   []string  `json:"selection"`
	Limit       int       `json:"limit"`
	Charts      []Chart   `json:"charts"`
	LastFetched string    `json:"last_fetched"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Chart follows the Plotly figure layout so the page can hand it straight to Plotly.react.
type Chart struct {
	ID     string      `json:"id"`
	Layout ChartLayout `json:"layout"`
	Data   []Trace     `json:"data"`
	Note   string      `json:"note,omitempty"`
	Error  string      `json:"error,omitempty"`
}

type ChartLayout struct {
	Title string    `json:"title"`
	XAxis *AxisSpec `json:"xaxis,omitempty"`
	YAxis *AxisSpec `json:"yaxis,omitempty"`
}

type AxisSpec struct {
	Title string `json:"title"`
}

type Trace struct {
	Type        string    `json:"type"`
	Mode        string    `json:"mode,omitempty"`
	Name        string    `json:"name"`
	Orientation string    `json:"orientation,omitempty"`
	X           []any     `json:"x,omitempty"`
	Y           []any     `json:"y,omitempty"`
	Labels      []string  `json:"labels,omitempty"`
	Values      []float64 `json:"values,omitempty"`
}
