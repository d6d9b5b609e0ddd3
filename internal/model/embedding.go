package model

// ModelArch is fixed at build time so every vector the service emits has the
// same dimensionality as the index it is stored in.
const ModelArch = "ViT-L-14"

const EmbeddingDim = 768

type Modality string

const (
	ModalityImage Modality = "image"
	ModalityText  Modality = "text"
)

type EmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}
