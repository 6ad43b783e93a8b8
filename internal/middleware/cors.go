package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig configures Cross-Origin Resource Sharing (CORS) policies.
type CORSConfig struct {
	Enabled          bool
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAge           int
}

type corsPolicy struct {
	anyOrigin   bool
	origins     map[string]struct{}
	methods     map[string]struct{}
	credentials bool

	methodsHeader string
	headersHeader string
	exposeHeader  string
	maxAgeHeader  string
}

func newCORSPolicy(cfg CORSConfig) *corsPolicy {
	p := &corsPolicy{
		origins:       make(map[string]struct{}),
		methods:       make(map[string]struct{}),
		methodsHeader: strings.Join(cfg.AllowedMethods, ", "),
		headersHeader: strings.Join(cfg.AllowedHeaders, ", "),
		exposeHeader:  strings.Join(cfg.ExposeHeaders, ", "),
	}
	for _, origin := range cfg.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		switch origin {
		case "":
		case "*":
			p.anyOrigin = true
		default:
			p.origins[origin] = struct{}{}
		}
	}
	for _, m := range cfg.AllowedMethods {
		p.methods[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
	}
	// Wildcard responses cannot carry credentials.
	p.credentials = cfg.AllowCredentials && !p.anyOrigin
	if cfg.MaxAge > 0 {
		p.maxAgeHeader = strconv.Itoa(cfg.MaxAge)
	}
	return p
}

func (p *corsPolicy) allowsOrigin(origin string) bool {
	if p.anyOrigin {
		return true
	}
	_, ok := p.origins[origin]
	return ok
}

func (p *corsPolicy) allowsMethod(method string) bool {
	if len(p.methods) == 0 {
		return true
	}
	_, ok := p.methods[strings.ToUpper(method)]
	return ok
}

func (p *corsPolicy) writeOrigin(h http.Header, origin string) {
	if p.anyOrigin {
		h.Set("Access-Control-Allow-Origin", "*")
	} else {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
	}
	if p.credentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
}

// CORSMiddleware adds CORS headers and answers preflight requests without calling next.
func CORSMiddleware(cfg CORSConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}
	policy := newCORSPolicy(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			allowed := policy.allowsOrigin(origin)

			requested := r.Header.Get("Access-Control-Request-Method")
			if r.Method == http.MethodOptions && requested != "" {
				if allowed && policy.allowsMethod(requested) {
					h := w.Header()
					policy.writeOrigin(h, origin)
					if policy.methodsHeader != "" {
						h.Set("Access-Control-Allow-Methods", policy.methodsHeader)
					}
					if policy.headersHeader != "" {
						h.Set("Access-Control-Allow-Headers", policy.headersHeader)
					}
					if policy.maxAgeHeader != "" {
						h.Set("Access-Control-Max-Age", policy.maxAgeHeader)
					}
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if allowed {
				policy.writeOrigin(w.Header(), origin)
				if policy.exposeHeader != "" {
					w.Header().Set("Access-Control-Expose-Headers", policy.exposeHeader)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
