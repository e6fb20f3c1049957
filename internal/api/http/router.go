package http

import (
	"github.com/gin-gonic/gin"
	"github.com/meshworks/fleet-tls/internal/api/http/handler"
	"github.com/meshworks/fleet-tls/internal/api/http/middleware"
	"github.com/meshworks/fleet-tls/internal/simulator"
)

type Config struct {
	Port       uint   `mapstructure:"port"`
	AuthSecret string `mapstructure:"auth_secret"`
}

// Services are the simulator backends the routes expose.
type Services struct {
	Authority  *simulator.Authority
	Channel    *simulator.CommandChannel
	Directory  *simulator.Directory
	ParamStore *simulator.ParamStore
}

// SetupRoute wires the collaborator APIs. The CA and command-channel
// routes require a bearer token; membership and parameters are
// read-mostly infrastructure endpoints and stay open, matching the
// directory services they stand in for.
func SetupRoute(engine *gin.Engine, authSecret string, srvs *Services) {
	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)

	v1 := engine.Group("/api/v1")

	protected := v1.Group("")
	protected.Use(middleware.JWTAuth(authSecret))

	if srvs.Authority != nil {
		caHandler := handler.NewCAHandler(srvs.Authority)
		protected.POST("/certificates", caHandler.IssueCertificate)
		protected.GET("/certificates/:handle", caHandler.GetCertificate)
	}

	if srvs.Channel != nil {
		commandHandler := handler.NewCommandHandler(srvs.Channel)
		protected.POST("/commands", commandHandler.SubmitCommand)
		protected.GET("/commands/:id", commandHandler.GetCommandStatus)
	}

	if srvs.Directory != nil {
		membershipHandler := handler.NewMembershipHandler(srvs.Directory)
		v1.GET("/groups/:name/members", membershipHandler.ListMembers)
	}

	if srvs.ParamStore != nil {
		paramsHandler := handler.NewParamsHandler(srvs.ParamStore)
		v1.PUT("/parameters/:name", paramsHandler.PutParameter)
		v1.GET("/parameters/:name", paramsHandler.GetParameter)
	}
}
