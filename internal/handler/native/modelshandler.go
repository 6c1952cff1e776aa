package native

import (
	"net/http"

	"github.com/sentinelops/sentinel/internal/httputil"
	"github.com/sentinelops/sentinel/internal/model"
	"github.com/sentinelops/sentinel/internal/svc"
)

type tierModel struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	RelativeCost int    `json:"relative_cost"`
}

type modelsResponse struct {
	Version int                     `json:"version"`
	Tiers   map[string][]tierModel  `json:"tiers"`
}

// ModelsHandler reports the tier table currently in effect. Served from
// the cached configuration; it never touches the provider.
func ModelsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := svcCtx.TierConfig.TierConfig(r.Context())
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		resp := modelsResponse{Version: cfg.Version, Tiers: make(map[string][]tierModel)}
		for _, tier := range []model.Tier{model.TierSimple, model.TierModerate, model.TierComplex} {
			entries := make([]tierModel, 0, len(cfg.Tiers[tier]))
			for _, mc := range cfg.Tiers[tier] {
				entries = append(entries, tierModel{
					Provider:     mc.Provider,
					Model:        mc.Model,
					RelativeCost: mc.RelativeCost,
				})
			}
			resp.Tiers[string(tier)] = entries
		}
		httputil.OkJSON(w, resp)
	}
}
