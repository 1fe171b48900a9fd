package auth

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/stacklok/pipestream/ingesterrors"
	"github.com/stacklok/pipestream/transport"
)

// discoverHostname performs the first bootstrap call: GET
// <accountBaseURI>/v2/streaming/hostname, stamped with the key-pair JWT.
// The response body is tolerantly parsed: a JSON object with an
// "ingestHostname" field, a bare JSON string, or plain unquoted text are all accepted,
// since different deployments have been observed to answer each way.
func (p *Provider) discoverHostname(ctx context.Context, signedJWT string) (string, error) {
	res, err := p.hc.Do(ctx, transport.Request{
		Method:    "GET",
		Path:      transport.HostnamePath,
		Bootstrap: true,
		Stamp:     jwtStamp(signedJWT),
	})
	if err != nil {
		return "", ingesterrors.New(ingesterrors.Bootstrap, "hostname discovery failed", err)
	}

	host, err := parseHostnameResponse(res.Body)
	if err != nil {
		return "", ingesterrors.New(ingesterrors.Bootstrap, "unable to parse hostname response", err)
	}
	return host, nil
}

func parseHostnameResponse(body []byte) (string, error) {
	trimmed := strings.TrimSpace(string(body))

	var obj struct {
		IngestHostname string `json:"ingestHostname"`
	}
	if err := json.Unmarshal(body, &obj); err == nil && obj.IngestHostname != "" {
		return obj.IngestHostname, nil
	}

	var bare string
	if err := json.Unmarshal(body, &bare); err == nil && bare != "" {
		return bare, nil
	}

	if trimmed != "" {
		return strings.Trim(trimmed, `"`), nil
	}

	return "", ingesterrors.New(ingesterrors.ProtocolMismatch, "empty hostname response", nil)
}

// exchangeToken performs the second bootstrap call: POST
// <accountBaseURI>/oauth/token with a JWT-bearer grant scoped to the
// discovered ingest host, stamped with the same key-pair JWT used for
// hostname discovery. The response is tolerantly parsed: a JSON object
// with "access_token"/"expires_in", a form-encoded body, or a bare JWT
// string.
func (p *Provider) exchangeToken(ctx context.Context, ingestHost, signedJWT string) (accessToken string, expiresIn int64, err error) {
	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"scope":      {ingestHost},
	}

	res, err := p.hc.Do(ctx, transport.Request{
		Method:      "POST",
		Path:        transport.OAuthPath,
		Bootstrap:   true,
		Body:        []byte(form.Encode()),
		ContentType: "application/x-www-form-urlencoded",
		Stamp:       jwtStamp(signedJWT),
	})
	if err != nil {
		return "", 0, ingesterrors.New(ingesterrors.Bootstrap, "token exchange failed", err)
	}

	return parseTokenResponse(res.Body)
}

func parseTokenResponse(body []byte) (string, int64, error) {
	var obj struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &obj); err == nil && obj.AccessToken != "" {
		return obj.AccessToken, obj.ExpiresIn, nil
	}

	trimmed := strings.TrimSpace(string(body))

	if values, err := url.ParseQuery(trimmed); err == nil && values.Get("access_token") != "" {
		expiresIn, _ := strconv.ParseInt(values.Get("expires_in"), 10, 64)
		return values.Get("access_token"), expiresIn, nil
	}

	var bare string
	if err := json.Unmarshal(body, &bare); err == nil && bare != "" {
		return bare, 0, nil
	}

	if looksLikeJWT(trimmed) {
		return trimmed, 0, nil
	}

	return "", 0, ingesterrors.New(ingesterrors.ProtocolMismatch, "unrecognized token response format", nil)
}

func looksLikeJWT(s string) bool {
	return strings.Count(s, ".") == 2 && !strings.ContainsAny(s, " \t\n{}")
}
