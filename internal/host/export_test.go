package host

import "net/url"

// SetAPIBase points a client at a test server.
func SetAPIBase(g *GitHub, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}

	g.client.BaseURL = u

	return nil
}
