package tollgate

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// KeyExtractor is a function that extracts a rate limit key from an HTTP request.
// The key is used to identify the client (e.g., IP address, API key, user ID).
type KeyExtractor func(*http.Request) (string, error)

// ExtractIP returns a KeyExtractor that uses the connection's remote address.
func ExtractIP() KeyExtractor {
	return func(r *http.Request) (string, error) {
		ip, err := remoteIP(r.RemoteAddr)
		if err != nil {
			return "", err
		}
		return "ip:" + ip, nil
	}
}

// ExtractIPWithProxy returns a KeyExtractor that trusts proxy headers.
// The first valid address in X-Forwarded-For wins, then X-Real-IP, then the
// remote address. Only use it behind a proxy that overwrites these headers.
func ExtractIPWithProxy() KeyExtractor {
	return func(r *http.Request) (string, error) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return "ip:" + addr.Unmap().String(), nil
			}
		}

		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			if addr, err := netip.ParseAddr(xri); err == nil {
				return "ip:" + addr.Unmap().String(), nil
			}
		}

		ip, err := remoteIP(r.RemoteAddr)
		if err != nil {
			return "", err
		}
		return "ip:" + ip, nil
	}
}

func remoteIP(remoteAddr string) (string, error) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		// RemoteAddr might not have a port in some edge cases
		host = remoteAddr
	}
	if host == "" {
		return "", fmt.Errorf("%w: empty IP address", ErrKeyExtractionFailed)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap().String(), nil
	}
	return host, nil
}

// ExtractHeader returns a KeyExtractor that uses a specific HTTP header.
// Example: ExtractHeader("X-API-Key") will use the X-API-Key header value.
func ExtractHeader(headerName string) KeyExtractor {
	canonical := http.CanonicalHeaderKey(headerName)
	return func(r *http.Request) (string, error) {
		value := strings.TrimSpace(r.Header.Get(canonical))
		if value == "" {
			return "", fmt.Errorf("%w: header %s not found or empty", ErrKeyExtractionFailed, canonical)
		}
		return "header:" + canonical + ":" + value, nil
	}
}

// ExtractBearer returns a KeyExtractor that uses the Bearer token from Authorization header.
func ExtractBearer() KeyExtractor {
	return func(r *http.Request) (string, error) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			return "", fmt.Errorf("%w: Authorization header not found", ErrKeyExtractionFailed)
		}

		scheme, token, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			return "", fmt.Errorf("%w: invalid Authorization header format", ErrKeyExtractionFailed)
		}
		token = strings.TrimSpace(token)
		if token == "" {
			return "", fmt.Errorf("%w: empty bearer token", ErrKeyExtractionFailed)
		}

		return "bearer:" + token, nil
	}
}

// ExtractCookie returns a KeyExtractor that uses a specific cookie value.
func ExtractCookie(cookieName string) KeyExtractor {
	return func(r *http.Request) (string, error) {
		cookie, err := r.Cookie(cookieName)
		if err != nil {
			return "", fmt.Errorf("%w: cookie %s not found: %v", ErrKeyExtractionFailed, cookieName, err)
		}
		if cookie.Value == "" {
			return "", fmt.Errorf("%w: cookie %s has empty value", ErrKeyExtractionFailed, cookieName)
		}
		return "cookie:" + cookieName + ":" + cookie.Value, nil
	}
}

// ExtractStatic returns a KeyExtractor that always returns the same key.
// All clients then share one bucket.
func ExtractStatic(key string) KeyExtractor {
	return func(*http.Request) (string, error) {
		if key == "" {
			return "", fmt.Errorf("%w: static key is empty", ErrKeyExtractionFailed)
		}
		return key, nil
	}
}

// ExtractComposite returns a KeyExtractor that tries multiple extractors in order.
// It returns the key from the first extractor that succeeds.
//
// Example:
//
//	extractor := ExtractComposite(
//	    ExtractHeader("X-API-Key"),
//	    ExtractIPWithProxy(),  // Fallback to IP if no API key
//	)
func ExtractComposite(extractors ...KeyExtractor) KeyExtractor {
	return func(r *http.Request) (string, error) {
		if len(extractors) == 0 {
			return "", fmt.Errorf("%w: no extractors provided", ErrKeyExtractionFailed)
		}

		var errs []error
		for _, extractor := range extractors {
			key, err := extractor(r)
			if err == nil && key != "" {
				return key, nil
			}
			if err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) == 0 {
			return "", fmt.Errorf("%w: all extractors returned empty key", ErrKeyExtractionFailed)
		}
		return "", fmt.Errorf("all extractors failed: %w", errors.Join(errs...))
	}
}

// ParseKeyExtractorConfig creates a KeyExtractor from a configuration string.
// Supported formats:
//   - "ip" -> ExtractIP()
//   - "ip-proxy" -> ExtractIPWithProxy()
//   - "header:X-API-Key" -> ExtractHeader("X-API-Key")
//   - "bearer" -> ExtractBearer()
//   - "cookie:session_id" -> ExtractCookie("session_id")
//   - "static:global" -> ExtractStatic("global")
//
// Several formats joined with "|" build an ExtractComposite, e.g.
// "header:X-API-Key|ip".
func ParseKeyExtractorConfig(config string) (KeyExtractor, error) {
	if strings.Contains(config, "|") {
		var extractors []KeyExtractor
		for _, part := range strings.Split(config, "|") {
			extractor, err := ParseKeyExtractorConfig(strings.TrimSpace(part))
			if err != nil {
				return nil, err
			}
			extractors = append(extractors, extractor)
		}
		return ExtractComposite(extractors...), nil
	}

	kind, arg, hasArg := strings.Cut(config, ":")
	needArg := func() error {
		if !hasArg || arg == "" {
			return fmt.Errorf("%w: %s extractor requires format '%s:value'", ErrInvalidConfig, kind, kind)
		}
		return nil
	}

	switch kind {
	case "ip":
		return ExtractIP(), nil
	case "ip-proxy":
		return ExtractIPWithProxy(), nil
	case "bearer":
		return ExtractBearer(), nil
	case "header":
		if err := needArg(); err != nil {
			return nil, err
		}
		return ExtractHeader(arg), nil
	case "cookie":
		if err := needArg(); err != nil {
			return nil, err
		}
		return ExtractCookie(arg), nil
	case "static":
		if err := needArg(); err != nil {
			return nil, err
		}
		return ExtractStatic(arg), nil
	default:
		return nil, fmt.Errorf("%w: unknown key extractor type: %q", ErrInvalidConfig, kind)
	}
}
