package motion

import (
	"net/http"

	"github.com/Simscop/DenseLight/generichttp"
	stage "github.com/Simscop/DenseLight/motion"
)

// HTTPStop adds routes for the stopper to the route table
func HTTPStop(iface stage.Stopper, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/stop"}] = Stop(iface)
}

// Stop returns an HTTP handler func that aborts motion
func Stop(s stage.Stopper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := s.Stop(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// HTTPHome adds routes for the homer to the route table
func HTTPHome(iface stage.Homer, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/home"}] = Home(iface)
}

// Home returns an HTTP handler func that homes the stage
func Home(h stage.Homer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h.Home(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
