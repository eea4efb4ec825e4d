package resolver

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pathmesh/pathmesh/paths"
)

// AdminService exposes operator endpoints: status inspection and
// referral table management. It is a plain HTTP surface beside the
// binary protocol, meant for humans and deploy tooling.
type AdminService struct {
	engine *gin.Engine
	addr   string
	server *Server
}

type statusResponse struct {
	Shards    int    `json:"shards"`
	Mechanism string `json:"mechanism"`
	Listen    string `json:"listen"`
}

type referralRequest struct {
	Prefix string   `json:"prefix"`
	Addrs  []string `json:"addrs"`
}

func NewAdminService(addr string, server *Server) *AdminService {
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/status", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, statusResponse{
			Shards:    server.store.NumShards(),
			Mechanism: server.cfg.Mechanism.Kind().String(),
			Listen:    server.Addr(),
		})
	})

	engine.GET("/referrals", func(ctx *gin.Context) {
		all := server.store.Referrals().All()
		out := make([]referralRequest, len(all))
		for i, r := range all {
			out[i] = referralRequest{Prefix: r.Prefix, Addrs: r.Addrs}
		}
		ctx.JSON(http.StatusOK, out)
	})

	engine.PUT("/referrals", func(ctx *gin.Context) {
		var req referralRequest
		if err := ctx.BindJSON(&req); err != nil {
			ctx.String(http.StatusBadRequest, "invalid body")
			return
		}
		if req.Prefix == "" || len(req.Addrs) == 0 {
			ctx.String(http.StatusBadRequest, "prefix and addrs are required")
			return
		}
		server.store.Referrals().Set(req.Prefix, req.Addrs)
		ctx.Status(http.StatusNoContent)
	})

	engine.DELETE("/referrals/*prefix", func(ctx *gin.Context) {
		prefix := paths.Canonicalize(ctx.Param("prefix"))
		if prefix == paths.Root {
			ctx.String(http.StatusBadRequest, "cannot refer the root")
			return
		}
		server.store.Referrals().Remove(prefix)
		ctx.Status(http.StatusNoContent)
	})

	return &AdminService{
		engine: engine,
		addr:   addr,
		server: server,
	}
}

func (a *AdminService) StartService() error {
	return a.engine.Run(a.addr)
}
