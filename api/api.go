package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/spartanone/spartan"
	"github.com/spartanone/spartan/api/middleware"
	"github.com/spartanone/spartan/config"
	"github.com/spartanone/spartan/internal/apierror"
)

type Api struct {
	spartan *spartan.Spartan
	router  *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.GET("/status", a.GetStatus)

	router.POST("/documents", a.QueueDocument)
	router.GET("/documents", a.GetAllDocuments)
	router.GET("/documents/:id", a.GetDocument)
	router.DELETE("/documents/:id", a.DiscardDocument)

	router.POST("/sync", a.SyncNow)
	router.PUT("/connectivity", a.SetConnectivity)
	router.POST("/recover", a.RecoverDocuments)
	return a.router
}

func NewAPI(s *spartan.Spartan) *Api {
	gin.SetMode(gin.ReleaseMode)
	binding.EnableDecoderUseNumber = true
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(otelgin.Middleware(conf.ProjectName))
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{spartan: s, router: r}
}

func respondError(c *gin.Context, err error, message string) {
	apiErr := apierror.FromError(err, message)
	c.JSON(apierror.MapErrorToHTTPStatus(apiErr), apiErr)
}
