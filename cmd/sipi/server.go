package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/w1xm/sitech_interface/mount"
	"github.com/w1xm/sitech_interface/sitechexe"
)

// Status is the telemetry snapshot sent to browsers.
type Status struct {
	Time     string            `json:"time"`
	Sidereal string            `json:"sidereal"`
	RA       string            `json:"ra"`
	Dec      string            `json:"dec"`
	Alt      string            `json:"alt"`
	Az       string            `json:"az"`
	Tracking string            `json:"tracking"`
	Bits     uint32            `json:"bits"`
	Manual   bool              `json:"manual"`
	Received time.Time         `json:"received"`
	Links    map[string]string `json:"links,omitempty"`
	Arbiter  string            `json:"arbiter,omitempty"`
}

func formatDegrees(v sitechexe.Value) string {
	if !v.OK {
		return v.Raw
	}
	return fmt.Sprintf("%.2f", v.Num)
}

func newStatus(t sitechexe.Telemetry) Status {
	stamp := "N/A"
	if !t.Received.IsZero() {
		stamp = t.Received.Format("15:04:05")
	}
	return Status{
		Time:     stamp,
		Sidereal: sitechexe.FormatHMS(t.LST, false),
		RA:       sitechexe.FormatHMS(t.RA, true),
		Dec:      sitechexe.FormatHMS(t.Dec, true),
		Alt:      formatDegrees(t.Alt),
		Az:       formatDegrees(t.Az),
		Tracking: t.Tracking(),
		Bits:     t.StatusBits,
		Manual:   t.Manual(),
		Received: t.Received,
	}
}

type Server struct {
	client        *sitechexe.Client
	mount         *mount.Mount
	calPointsFile string

	statusMu   sync.RWMutex
	statusCond *sync.Cond
	telemetry  sitechexe.Telemetry
	status     Status
}

func NewServer(client *sitechexe.Client, m *mount.Mount, calPointsFile string) *Server {
	s := &Server{client: client, mount: m, calPointsFile: calPointsFile}
	s.statusCond = sync.NewCond(s.statusMu.RLocker())
	// Until the first poll every field reads N/A.
	s.telemetry, _ = sitechexe.ParseStatusLine("")
	s.status = newStatus(s.telemetry)
	return s
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Routes registers the API on r.
func (s *Server) Routes(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.StatusHandler).Methods("GET")
	api.HandleFunc("/ws", s.StatusSocketHandler)
	api.HandleFunc("/version", s.VersionHandler).Methods("GET")
	api.HandleFunc("/command", s.CommandHandler).Methods("POST")

	// confirmed commands
	api.HandleFunc("/goto", s.raDecHandler((*sitechexe.Client).GoTo)).Methods("POST")
	api.HandleFunc("/sync", s.raDecHandler((*sitechexe.Client).Sync)).Methods("POST")
	api.HandleFunc("/calpt", s.raDecHandler((*sitechexe.Client).AddCalPoint)).Methods("POST")
	api.HandleFunc("/goto-altaz", s.GoToAltAzHandler).Methods("POST")
	api.HandleFunc("/clear", s.replyHandler((*sitechexe.Client).ClearCalPoints)).Methods("POST")
	api.HandleFunc("/save_model", s.replyHandler((*sitechexe.Client).SaveModel)).Methods("POST")
	api.HandleFunc("/setpark", s.replyHandler((*sitechexe.Client).SetPark)).Methods("POST")
	api.HandleFunc("/remove_last_cal_point", s.replyHandler((*sitechexe.Client).RemoveLastCalPoint)).Methods("POST")
	api.HandleFunc("/enable_cal_point", s.calPointHandler((*sitechexe.Client).EnablePoint)).Methods("POST")
	api.HandleFunc("/disable_cal_point", s.calPointHandler((*sitechexe.Client).DisablePoint)).Methods("POST")
	api.HandleFunc("/cal_points", s.CalPointsHandler).Methods("GET")
	api.HandleFunc("/model_info", s.ModelInfoHandler).Methods("GET", "POST")

	// fire-and-forget movement
	api.HandleFunc("/moveaxis", s.MoveAxisHandler).Methods("POST")
	api.HandleFunc("/abort", s.moveHandler((*sitechexe.Client).Abort)).Methods("POST")
	api.HandleFunc("/park", s.moveHandler((*sitechexe.Client).Park)).Methods("POST")
	api.HandleFunc("/unpark", s.moveHandler((*sitechexe.Client).UnPark)).Methods("POST")
	api.HandleFunc("/start", s.moveHandler((*sitechexe.Client).StartTracking)).Methods("POST")
	api.HandleFunc("/toggle_mode", s.ToggleMotorsHandler).Methods("POST")

	// serial controller
	api.HandleFunc("/controller/mode", s.ReadModeHandler).Methods("GET")
	api.HandleFunc("/controller/mode", s.SetModeHandler).Methods("POST")
	api.HandleFunc("/controller/restore", s.RestoreHandler).Methods("POST")
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Print(err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

type response struct {
	Response string `json:"response"`
}

func (s *Server) currentStatus() Status {
	s.statusMu.RLock()
	status := s.status
	s.statusMu.RUnlock()
	status.Links = make(map[string]string)
	for name, state := range s.client.States() {
		status.Links[name] = state.String()
	}
	status.Arbiter = s.mount.ArbiterState().String()
	return status
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.currentStatus())
}

// Command is a request arriving over the status websocket.
type Command struct {
	Command string `json:"command"`
	Axis    string `json:"axis"`
	Arg     string `json:"arg"`
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}
	defer conn.Close()

	// Read and process incoming messages
	go func() {
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				cancel()
				conn.Close()
				break
			}
			var err error
			switch msg.Command {
			case "abort":
				err = s.client.Abort()
			case "park":
				err = s.client.Park()
			case "unpark":
				err = s.client.UnPark()
			case "start":
				err = s.client.StartTracking()
			case "moveaxis":
				err = s.client.MoveAxis(msg.Axis, msg.Arg)
			default:
				log.Printf("websocket: unknown command %q", msg.Command)
			}
			if err != nil {
				log.Printf("websocket %s: %v", msg.Command, err)
			}
		}
	}()

	send := func(status Status) error {
		data, err := json.Marshal(status)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	if err := send(s.currentStatus()); err != nil {
		log.Print(err)
		return
	}
	// Wake the loop below when the browser goes away, even if no new
	// status is coming.
	go func() {
		<-ctx.Done()
		s.statusMu.Lock()
		s.statusCond.Broadcast()
		s.statusMu.Unlock()
	}()
	for {
		s.statusMu.RLock()
		if ctx.Err() != nil {
			s.statusMu.RUnlock()
			return
		}
		s.statusCond.Wait()
		s.statusMu.RUnlock()
		if ctx.Err() != nil {
			return
		}
		if err := send(s.currentStatus()); err != nil {
			log.Print(err)
			return
		}
	}
}

func (s *Server) statusCallback(t sitechexe.Telemetry) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.telemetry = t
	s.status = newStatus(t)
	s.statusCond.Broadcast()
}

func (s *Server) latest() sitechexe.Telemetry {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.telemetry
}

func (s *Server) VersionHandler(w http.ResponseWriter, r *http.Request) {
	lat, lon, err := s.client.SiteLocation()
	if err != nil {
		log.Printf("reading site location: %v", err)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":   s.client.Version(),
		"latitude":  lat,
		"longitude": lon,
	})
}

// CommandRequest is a raw request for the command channel.
type CommandRequest struct {
	Command    string `json:"command"`
	TimeoutMs  int    `json:"timeout_ms"`
	Retries    *int   `json:"retries"`
	Terminator string `json:"terminator"`
}

func (s *Server) CommandHandler(w http.ResponseWriter, r *http.Request) {
	var in CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, response{"Invalid request: " + err.Error()})
		return
	}
	req := s.client.Request(in.Command)
	if in.TimeoutMs > 0 {
		req.Timeout = time.Duration(in.TimeoutMs) * time.Millisecond
	}
	if in.Retries != nil {
		req.MaxRetries = *in.Retries
	}
	if in.Terminator != "" {
		req.Terminator = in.Terminator
	}
	resp, err := s.mount.SendCommand(req)
	switch {
	case errors.Is(err, sitechexe.ErrNotASCII), errors.Is(err, sitechexe.ErrBadRetries):
		writeJSON(w, http.StatusBadRequest, response{err.Error()})
	case err != nil:
		writeJSON(w, http.StatusBadGateway, response{err.Error()})
	default:
		writeJSON(w, http.StatusOK, response{resp})
	}
}

func (s *Server) raDecHandler(fn func(*sitechexe.Client, string, string) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ra, dec := r.FormValue("ra"), r.FormValue("dec")
		if ra == "" || dec == "" {
			writeJSON(w, http.StatusBadRequest, response{"Missing RA or Dec"})
			return
		}
		writeJSON(w, http.StatusOK, response{fn(s.client, ra, dec)})
	}
}

func (s *Server) GoToAltAzHandler(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Alt *float64 `json:"alt"`
		Az  *float64 `json:"az"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, response{"Invalid alt or az"})
		return
	}
	if in.Alt == nil || in.Az == nil {
		writeJSON(w, http.StatusBadRequest, response{"Missing alt or az"})
		return
	}
	writeJSON(w, http.StatusOK, response{s.client.GoToAltAz(*in.Alt, *in.Az)})
}

func (s *Server) replyHandler(fn func(*sitechexe.Client) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{fn(s.client)})
	}
}

func (s *Server) calPointHandler(fn func(*sitechexe.Client, int) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Index *int `json:"index"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Index == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing index"})
			return
		}
		writeJSON(w, http.StatusOK, response{fn(s.client, *in.Index)})
	}
}

func (s *Server) CalPointsHandler(w http.ResponseWriter, r *http.Request) {
	points, err := sitechexe.ReadCalPoints(s.calPointsFile)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"points": points})
}

func (s *Server) ModelInfoHandler(w http.ResponseWriter, r *http.Request) {
	info := s.client.ModelInfo()
	writeJSON(w, http.StatusOK, map[string]string{"cal_pts": info.CalPoints, "rms": info.RMS})
}

func (s *Server) moveHandler(fn func(*sitechexe.Client) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(s.client); err != nil {
			log.Printf("%s: %v", r.URL.Path, err)
		}
		writeJSON(w, http.StatusOK, response{"Command sent"})
	}
}

func (s *Server) MoveAxisHandler(w http.ResponseWriter, r *http.Request) {
	axis := r.FormValue("axis")
	if axis == "" {
		writeJSON(w, http.StatusBadRequest, response{"Missing axis"})
		return
	}
	if err := s.client.MoveAxis(axis, r.FormValue("arg")); err != nil {
		log.Printf("moveaxis: %v", err)
	}
	writeJSON(w, http.StatusOK, response{"Command sent"})
}

// ToggleMotorsHandler switches between Blinky (manual) and computer control
// based on the last status seen.
func (s *Server) ToggleMotorsHandler(w http.ResponseWriter, r *http.Request) {
	manual := s.latest().Manual()
	mode := "Manual"
	if manual {
		mode = "Auto"
	}
	if err := s.client.SetMotorsAuto(manual); err != nil {
		log.Printf("toggle_mode: %v", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": mode})
}

func (s *Server) ReadModeHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.mount.ReadMode()
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) SetModeHandler(w http.ResponseWriter, r *http.Request) {
	name := r.FormValue("mode")
	if name == "" {
		var in struct {
			Mode string `json:"mode"`
		}
		json.NewDecoder(r.Body).Decode(&in)
		name = in.Mode
	}
	ok, msg := s.mount.SetNamedMode(name)
	code := http.StatusOK
	if !ok {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, map[string]interface{}{"success": ok, "message": msg})
}

func (s *Server) RestoreHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.mount.RestoreDaemon(); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "SiTech service started"})
}
