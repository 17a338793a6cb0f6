package session

import (
	"fmt"
	"html"
	"net"
	"strconv"

	"github.com/dimapp/echolink"
	"github.com/dimapp/echolink/link"
)

// configParams are the inputs of a session config besides the credential.
type configParams struct {
	Region        string
	Language      string
	AppName       string
	OwnIP         string
	ProxyPort     int
	CloseMessage  string
	CloseImageURL string
}

// buildConfig derives the connection parameters. Without a usable credential,
// or when a refresh is forced, the link is put in proxy-only mode so the user
// can log in through the local proxy.
func buildConfig(cred echolink.Credential, present bool, forceRefresh bool, p configParams) link.SessionConfig {
	cfg := link.SessionConfig{
		HasCredential:  present,
		AmazonPage:     p.Region,
		BaseAmazonPage: p.Region,
		AcceptLanguage: p.Language,
		AppName:        p.AppName,
	}
	if !present || forceRefresh {
		cfg.ProxyOnly = true
		cfg.ProxyOwnIP = p.OwnIP
		cfg.ProxyPort = p.ProxyPort
		cfg.ProxyLanguage = p.Language
		cfg.CloseWindowHTML = closeWindowHTML(p.CloseMessage, p.CloseImageURL)
		return cfg
	}
	cfg.Cookie = fmt.Sprintf("%s; csrf=%s", cred.Field("loginCookie"), cred.Field("csrf"))
	cfg.FormerRegistrationData = cred
	return cfg
}

func proxyURL(ip string, port int) string {
	return "http://" + net.JoinHostPort(ip, strconv.Itoa(port))
}

// localIPv4 returns the first non-loopback IPv4 address, or 0.0.0.0.
func localIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "0.0.0.0"
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return "0.0.0.0"
}

func closeWindowHTML(message, imageURL string) string {
	img := ""
	if imageURL != "" {
		img = `<div class="image-container"><img src="` + html.EscapeString(imageURL) + `" alt=""></div>`
	}
	return `<!DOCTYPE html><html><head><meta charset="UTF-8">` +
		`<meta name="viewport" content="width=device-width, initial-scale=1.0"><title>Login complete</title>` +
		`<style>body{font-family:Arial,sans-serif;display:flex;flex-direction:column;justify-content:center;` +
		`align-items:center;height:100vh;margin:0;background-color:#f0f0f0}.image-container{margin-bottom:20px}` +
		`img{max-width:100%;height:auto}.message{font-size:24px;color:#333;text-align:center}</style></head>` +
		`<body>` + img + `<div class="message">` + html.EscapeString(message) + `</div></body></html>`
}
