package motion

import (
	"go/types"
	"net/http"

	"github.com/Simscop/DenseLight/generichttp"
	stage "github.com/Simscop/DenseLight/motion"
)

// GetInPosition returns an http.HandlerFunc for i.InPosition
func GetInPosition(i stage.InPositionQueryer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inpos, err := i.InPosition(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := generichttp.HumanPayload{T: types.Bool, Bool: inpos}
		hp.EncodeAndRespond(w, r)
	}
}

// HTTPInPosition adds routes for InPosition to the route table
func HTTPInPosition(iface stage.InPositionQueryer, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/inposition"}] = GetInPosition(iface)
}
