package protocol

// UploadImageRequest is the body of POST /api/upload-image.
type UploadImageRequest struct {
	// Data is base64, optionally as a data: URL.
	Data string `json:"data"`
	Name string `json:"name"`
}

type UploadImageResponse struct {
	// Path is where the gateway stored the image, local to the gateway and so to the agent.
	Path string `json:"path"`
}

// HelloResponse is the body of GET /api/hello.
type HelloResponse struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}
