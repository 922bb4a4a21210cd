/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
)

func serveHomePage(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		var body strings.Builder
		body.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
		body.WriteString(`<meta name="viewport" content="width=device-width, initial-scale=1">`)
		body.WriteString(`<title>stackduel</title></head><body>`)
		body.WriteString(`<h1>stackduel</h1>`)
		body.WriteString(`<p>Head-to-head stacking duels over one shared link.</p>`)
		body.WriteString(fmt.Sprintf(`<p><a href="%s/new">Create an invite</a></p>`, cfg.prefix))
		body.WriteString(`</body></html>`)

		_, err := w.Write([]byte(body.String()))
		if err != nil {
			errs <- err

			return
		}
	}
}

// lobbyPage renders the invite landing page: the shareable URL, the QR
// code, and the copy-paste share text.
func lobbyPage(cfg *Config, lobbyID string, inv Invite) string {
	var body strings.Builder

	body.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	body.WriteString(`<meta name="viewport" content="width=device-width, initial-scale=1">`)
	body.WriteString(fmt.Sprintf("<title>stackduel invite %s</title></head><body>", lobbyID))
	body.WriteString(`<h1>Invite ready</h1>`)
	body.WriteString(fmt.Sprintf(`<p>Share this link: <a href="%s">%s</a></p>`, inv.URL, inv.URL))
	body.WriteString(fmt.Sprintf(`<p><img src="%s/l/%s/qr" alt="invite QR" width="320" height="320"></p>`, cfg.prefix, lobbyID))
	body.WriteString(fmt.Sprintf("<pre>%s</pre>", inv.ShareText))
	body.WriteString(fmt.Sprintf(`<p>Up to %d duels can run off this link at once.</p>`, cfg.maxSlots))
	body.WriteString(`</body></html>`)

	return body.String()
}

func serveHealthCheck(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)

		_, err := w.Write([]byte("Ok\n"))
		if err != nil {
			errs <- err

			return
		}
	}
}

func serveRobots(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		data := `User-agent: Amazonbot
Disallow: /

User-agent: Applebot-Extended
Disallow: /

User-agent: Bytespider
Disallow: /

User-agent: CCBot
Disallow: /

User-agent: ClaudeBot
Disallow: /

User-agent: Google-Extended
Disallow: /

User-agent: GPTBot
Disallow: /

User-agent: meta-externalagent
Disallow: /`

		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		securityHeaders(cfg, w)

		_, err := w.Write([]byte(data))
		if err != nil {
			errs <- err

			return
		}
	}
}
