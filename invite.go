/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Invite is the one thing a pair of clients shares out of band: a URL
// carrying the lobby id in a single query parameter, plus a human-readable
// share string embedding it.
type Invite struct {
	URL       string
	ShareText string
}

func buildInvite(base, lobbyID string) Invite {
	sep := "?"
	for _, c := range base {
		if c == '?' {
			sep = "&"
			break
		}
	}
	full := base + sep + "lobby=" + lobbyID
	return Invite{
		URL:       full,
		ShareText: "Stack duel invite (0/2)\n" + full,
	}
}

// requestBase reconstructs the externally visible base URL of this server,
// respecting TLS and X-Forwarded-Proto.
func requestBase(cfg *Config, r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + cfg.prefix + "/play"
}

// serveNewLobby creates a lobby record in the store and redirects to its
// landing page, so the first visitor gets a shareable link with zero clicks.
func serveNewLobby(cfg *Config, st Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		ctx, cancel := context.WithTimeout(r.Context(), storeOpTimeout)
		defer cancel()

		lobbyID, err := CreateLobby(ctx, st)
		if err != nil {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			securityHeaders(cfg, w)
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, newPage("Unavailable", "Could not create an invite. Please try again."))
			return
		}

		logf(cfg, "MATCH: Created lobby %s for %s", lobbyID, realIP(r))

		http.Redirect(w, r, cfg.prefix+"/l/"+lobbyID, http.StatusTemporaryRedirect)
	}
}

// serveLobbyPage renders the invite landing page for one lobby.
func serveLobbyPage(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		startTime := time.Now()

		lobbyID := p.ByName("lobbyid")
		if lobbyID == "" {
			http.Error(w, "missing lobby id", http.StatusBadRequest)
			return
		}

		inv := buildInvite(requestBase(cfg, r), lobbyID)

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		written, err := w.Write([]byte(lobbyPage(cfg, lobbyID, inv)))
		if err != nil {
			errs <- err

			return
		}

		logf(cfg, "SERVE: Lobby page %s (%s) to %s in %s",
			lobbyID,
			humanReadableSize(int64(written)),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

// serveInviteQR renders the invite URL as a PNG QR code.
func serveInviteQR(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		lobbyID := p.ByName("lobbyid")
		if lobbyID == "" {
			http.Error(w, "missing lobby id", http.StatusBadRequest)
			return
		}

		inv := buildInvite(requestBase(cfg, r), lobbyID)

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(inv.URL, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}
