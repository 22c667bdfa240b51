package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/pkg/openai"
)

// Models handles GET /v1/models - every logical model of the current
// catalog snapshot in the OpenAI list shape.
func (d *Deps) Models(c *gin.Context) {
	snap := d.Catalog.Snapshot()
	created := time.Now().Unix()

	list := openai.ModelList{Object: "list", Data: []openai.Model{}}
	for _, entry := range snap.Models() {
		list.Data = append(list.Data, openai.Model{
			ID:              entry.LogicalID,
			Object:          "model",
			Created:         created,
			OwnedBy:         entry.Owner,
			TokenMultiplier: entry.TokenMultiplier,
			Endpoint:        entry.EndpointPath,
		})
	}
	sort.Slice(list.Data, func(i, j int) bool { return list.Data[i].ID < list.Data[j].ID })

	c.JSON(http.StatusOK, list)
}
