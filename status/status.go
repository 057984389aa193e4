// Package status renders the HTML operations page served on the
// reporter listener: observation rates over the sweep window, message
// type distribution, feeder counters, connected subscribers and the
// currently presentable aircraft.
package status

import (
	"embed"
	"html/template"
	"net/http"
	"time"

	"github.com/maniack/adsbfeeder/hub"
	"github.com/maniack/adsbfeeder/monitoring"
	"github.com/maniack/adsbfeeder/observer"
	"github.com/maniack/adsbfeeder/upstream"
)

//go:embed status.gohtml
var content embed.FS

var page = template.Must(template.ParseFS(content, "status.gohtml"))

// StateSource yields the aircraft state the page renders.
type StateSource interface {
	Stats() observer.Stats
	Distribution() []observer.TypeShare
	Snapshot() []observer.View
}

// FeedSource yields upstream feed counters.
type FeedSource interface {
	Feeds() []upstream.FeedStats
}

// ClientSource yields connected subscriber descriptors.
type ClientSource interface {
	Clients() []hub.ClientInfo
}

// Page serves the status document. Feed sources are rendered in the
// order given; any source may be omitted.
type Page struct {
	log     monitoring.Logger
	state   StateSource
	clients ClientSource
	feeds   []FeedSource
}

func NewPage(log monitoring.Logger, state StateSource, clients ClientSource, feeds ...FeedSource) *Page {
	return &Page{log: log, state: state, clients: clients, feeds: feeds}
}

type pageData struct {
	Span         int
	Stats        observer.Stats
	Distribution []observer.TypeShare
	Feeds        []upstream.FeedStats
	WSClients    []hub.ClientInfo
	TCPClients   []hub.ClientInfo
	Aircraft     []observer.View
	Generated    time.Time
}

// Handler renders the page from a fresh snapshot on every request.
func (p *Page) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := pageData{
			Span:      int(observer.CleanInterval / time.Second),
			Generated: time.Now(),
		}
		if p.state != nil {
			data.Stats = p.state.Stats()
			data.Distribution = p.state.Distribution()
			data.Aircraft = p.state.Snapshot()
		}
		for _, f := range p.feeds {
			data.Feeds = append(data.Feeds, f.Feeds()...)
		}
		if p.clients != nil {
			for _, c := range p.clients.Clients() {
				if c.Transport == "websocket" {
					data.WSClients = append(data.WSClients, c)
				} else {
					data.TCPClients = append(data.TCPClients, c)
				}
			}
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := page.Execute(w, data); err != nil {
			p.log.Warnf("status: render: %v", err)
		}
	}
}
