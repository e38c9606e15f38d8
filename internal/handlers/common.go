package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/huangang/issuehub/backend/pkg/response"
)

// paramID parses a positive numeric path parameter, answering 400 when it
// is malformed.
func paramID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		response.BadRequest(c, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}

// pageQuery reads page and page_size; the services clamp the values.
func pageQuery(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	return page, pageSize
}
