// This file implements the UPnP helper (C3): asynchronous IGD discovery
// via SSDP, port mapping, and a maintenance loop that re-asserts mappings
// and removes them on shutdown.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// reassertInterval is how often an active mapping is re-verified and
// re-added if missing (§4.3: "every ~5 minutes").
const reassertInterval = 5 * time.Minute

// UPnPClient discovers an Internet Gateway Device and manages port
// mappings on it.
type UPnPClient struct {
	timeout       time.Duration
	gatewayURL    string
	controlURL    string
	serviceType   string
	discoveryDone bool

	mu       sync.Mutex
	mappings []UPnPMapping
	cancel   context.CancelFunc
}

// UPnPMapping describes one external->internal port mapping this session
// is responsible for.
type UPnPMapping struct {
	ExternalPort int
	InternalPort int
	InternalIP   string
	Protocol     string
	Description  string
	Duration     time.Duration
}

func NewUPnPClient() *UPnPClient {
	return &UPnPClient{timeout: 10 * time.Second}
}

// DiscoverGateway discovers a UPnP-enabled gateway on the local network.
func (uc *UPnPClient) DiscoverGateway(ctx context.Context) error {
	if uc.discoveryDone && uc.gatewayURL != "" {
		return nil
	}

	gatewayURL, err := uc.ssdpDiscover(ctx, "urn:schemas-upnp-org:device:InternetGatewayDevice:1")
	if err != nil {
		gatewayURL, err = uc.ssdpDiscover(ctx, "urn:schemas-upnp-org:service:WANIPConnection:1")
		if err != nil {
			return fmt.Errorf("transport: discover upnp gateway: %w", err)
		}
	}

	uc.gatewayURL = gatewayURL
	uc.discoveryDone = true

	return uc.getDeviceDescription(ctx)
}

func (uc *UPnPClient) ssdpDiscover(ctx context.Context, serviceType string) (string, error) {
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(239, 255, 255, 250), Port: 1900})
	if err != nil {
		return "", fmt.Errorf("transport: ssdp dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(uc.timeout))
	}

	req := fmt.Sprintf("M-SEARCH * HTTP/1.1\r\nHOST: 239.255.255.250:1900\r\nST: %s\r\nMAN: \"ssdp:discover\"\r\nMX: 3\r\n\r\n", serviceType)
	if _, err := conn.Write([]byte(req)); err != nil {
		return "", fmt.Errorf("transport: ssdp send: %w", err)
	}

	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return "", fmt.Errorf("transport: ssdp read: %w", err)
	}

	return parseLocationFromSSDPResponse(string(buf[:n]))
}

func parseLocationFromSSDPResponse(response string) (string, error) {
	scanner := bufio.NewScanner(strings.NewReader(response))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(strings.ToUpper(line), "LOCATION:") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1]), nil
			}
		}
	}
	return "", errors.New("transport: LOCATION header not found in ssdp response")
}

func (uc *UPnPClient) getDeviceDescription(ctx context.Context) error {
	if uc.gatewayURL == "" {
		return errors.New("transport: gateway url not set")
	}

	client := &http.Client{Timeout: uc.timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uc.gatewayURL, nil)
	if err != nil {
		return fmt.Errorf("transport: build device description request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: fetch device description: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("transport: device description http %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("transport: read device description: %w", err)
	}

	return uc.parseDeviceDescription(string(body))
}

func (uc *UPnPClient) parseDeviceDescription(xml string) error {
	inWANService := false
	for _, line := range strings.Split(xml, "\n") {
		line = strings.TrimSpace(line)

		if strings.Contains(line, "WANIPConnection") {
			inWANService = true
			uc.serviceType = "urn:schemas-upnp-org:service:WANIPConnection:1"
			continue
		}

		if inWANService && strings.Contains(line, "<controlURL>") {
			if err := uc.extractAndSetControlURL(line); err != nil {
				return err
			}
			if uc.controlURL != "" {
				return nil
			}
		}
	}
	return errors.New("transport: WANIPConnection service not found in device description")
}

func (uc *UPnPClient) extractAndSetControlURL(line string) error {
	start := strings.Index(line, "<controlURL>")
	end := strings.Index(line, "</controlURL>")
	if start == -1 || end == -1 {
		return nil
	}
	start += len("<controlURL>")
	controlPath := line[start:end]

	base, err := url.Parse(uc.gatewayURL)
	if err != nil {
		return fmt.Errorf("transport: invalid gateway url: %w", err)
	}
	control, err := base.Parse(controlPath)
	if err != nil {
		return fmt.Errorf("transport: invalid control url: %w", err)
	}
	uc.controlURL = control.String()
	return nil
}

// AddPortMapping creates a port mapping and remembers it for later
// maintenance and teardown.
func (uc *UPnPClient) AddPortMapping(ctx context.Context, mapping UPnPMapping) error {
	if uc.controlURL == "" {
		return errors.New("transport: control url not set, call DiscoverGateway first")
	}

	soapAction := "urn:schemas-upnp-org:service:WANIPConnection:1#AddPortMapping"
	soapBody := fmt.Sprintf(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<s:Body>
<u:AddPortMapping xmlns:u="urn:schemas-upnp-org:service:WANIPConnection:1">
<NewRemoteHost></NewRemoteHost>
<NewExternalPort>%d</NewExternalPort>
<NewProtocol>%s</NewProtocol>
<NewInternalPort>%d</NewInternalPort>
<NewInternalClient>%s</NewInternalClient>
<NewEnabled>1</NewEnabled>
<NewPortMappingDescription>%s</NewPortMappingDescription>
<NewLeaseDuration>%d</NewLeaseDuration>
</u:AddPortMapping>
</s:Body>
</s:Envelope>`,
		mapping.ExternalPort, strings.ToUpper(mapping.Protocol), mapping.InternalPort,
		mapping.InternalIP, mapping.Description, int(mapping.Duration.Seconds()))

	if err := uc.sendSOAPRequest(ctx, soapAction, soapBody); err != nil {
		return err
	}

	uc.mu.Lock()
	uc.mappings = append(uc.mappings, mapping)
	uc.mu.Unlock()

	return nil
}

// DeletePortMapping removes an existing mapping.
func (uc *UPnPClient) DeletePortMapping(ctx context.Context, externalPort int, protocol string) error {
	if uc.controlURL == "" {
		return errors.New("transport: control url not set, call DiscoverGateway first")
	}

	soapAction := "urn:schemas-upnp-org:service:WANIPConnection:1#DeletePortMapping"
	soapBody := fmt.Sprintf(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<s:Body>
<u:DeletePortMapping xmlns:u="urn:schemas-upnp-org:service:WANIPConnection:1">
<NewRemoteHost></NewRemoteHost>
<NewExternalPort>%d</NewExternalPort>
<NewProtocol>%s</NewProtocol>
</u:DeletePortMapping>
</s:Body>
</s:Envelope>`, externalPort, strings.ToUpper(protocol))

	return uc.sendSOAPRequest(ctx, soapAction, soapBody)
}

func (uc *UPnPClient) GetExternalIPAddress(ctx context.Context) (net.IP, error) {
	if uc.controlURL == "" {
		return nil, errors.New("transport: control url not set, call DiscoverGateway first")
	}

	soapAction := "urn:schemas-upnp-org:service:WANIPConnection:1#GetExternalIPAddress"
	soapBody := `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<s:Body>
<u:GetExternalIPAddress xmlns:u="urn:schemas-upnp-org:service:WANIPConnection:1"></u:GetExternalIPAddress>
</s:Body>
</s:Envelope>`

	response, err := uc.sendSOAPRequestWithResponse(ctx, soapAction, soapBody)
	if err != nil {
		return nil, err
	}
	return parseExternalIPResponse(response)
}

func (uc *UPnPClient) sendSOAPRequest(ctx context.Context, soapAction, soapBody string) error {
	_, err := uc.sendSOAPRequestWithResponse(ctx, soapAction, soapBody)
	return err
}

func (uc *UPnPClient) sendSOAPRequestWithResponse(ctx context.Context, soapAction, soapBody string) (string, error) {
	client := &http.Client{Timeout: uc.timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uc.controlURL, strings.NewReader(soapBody))
	if err != nil {
		return "", fmt.Errorf("transport: build soap request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", `"`+soapAction+`"`)
	req.Header.Set("Content-Length", strconv.Itoa(len(soapBody)))

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transport: send soap request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("transport: read soap response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transport: soap request failed: %s - %s", resp.Status, string(body))
	}
	return string(body), nil
}

func parseExternalIPResponse(response string) (net.IP, error) {
	start := strings.Index(response, "<NewExternalIPAddress>")
	if start == -1 {
		return nil, errors.New("transport: external ip address not found in response")
	}
	start += len("<NewExternalIPAddress>")
	end := strings.Index(response[start:], "</NewExternalIPAddress>")
	if end == -1 {
		return nil, errors.New("transport: malformed external ip address in response")
	}
	ipStr := response[start : start+end]
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, fmt.Errorf("transport: invalid ip address: %s", ipStr)
	}
	return ip, nil
}

func (uc *UPnPClient) SetTimeout(timeout time.Duration) { uc.timeout = timeout }

func (uc *UPnPClient) IsAvailable(ctx context.Context) bool {
	return uc.DiscoverGateway(ctx) == nil
}

// StartMaintenance re-asserts every mapping this client created on a
// reassertInterval ticker by re-adding each one; there is no separate
// check for whether a mapping is still present. It runs until ctx is
// cancelled or Shutdown is called.
func (uc *UPnPClient) StartMaintenance(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	uc.cancel = cancel

	go func() {
		ticker := time.NewTicker(reassertInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				uc.reassertMappings(ctx)
			}
		}
	}()
}

func (uc *UPnPClient) reassertMappings(ctx context.Context) {
	uc.mu.Lock()
	mappings := append([]UPnPMapping(nil), uc.mappings...)
	uc.mu.Unlock()

	for _, m := range mappings {
		if err := uc.AddPortMapping(ctx, m); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "UPnPClient.reassertMappings",
				"port":     m.ExternalPort,
				"error":    err,
			}).Warn("failed to re-assert upnp mapping")
		}
	}
}

// Shutdown removes every mapping this session created, per §4.3's
// "on shutdown all mappings created by this session are removed".
func (uc *UPnPClient) Shutdown(ctx context.Context) {
	if uc.cancel != nil {
		uc.cancel()
	}

	uc.mu.Lock()
	mappings := append([]UPnPMapping(nil), uc.mappings...)
	uc.mappings = nil
	uc.mu.Unlock()

	for _, m := range mappings {
		if err := uc.DeletePortMapping(ctx, m.ExternalPort, m.Protocol); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "UPnPClient.Shutdown",
				"port":     m.ExternalPort,
				"error":    err,
			}).Warn("failed to remove upnp mapping on shutdown")
		}
	}
}
